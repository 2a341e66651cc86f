package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/internal/phase"
)

// script builds a subprocess worker running the given shell script.
func script(t *testing.T, body string) *Exec {
	t.Helper()
	e, err := NewExec(Config{Command: []string{"/bin/sh", "-c", body}}, nil)
	require.NoError(t, err)
	return e
}

func TestInvokeSuccess(t *testing.T) {
	e := script(t, `cat >/dev/null; echo '{"status":"success","artifact":"plan.md"}'`)

	res, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID: "t-1", Phase: phase.Planning, Attempt: 1, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, phase.Success, res.Kind)
	assert.Equal(t, "plan.md", res.Artifact)
}

func TestInvokeFailureIsResultNotError(t *testing.T) {
	e := script(t, `cat >/dev/null; echo '{"status":"failure","reason":"tests red"}'`)

	res, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID: "t-1", Phase: phase.Testing, Attempt: 1, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, phase.Failure, res.Kind)
	assert.Equal(t, "tests red", res.Reason)
}

func TestInvokeNeedsRevision(t *testing.T) {
	e := script(t, `cat >/dev/null; echo '{"status":"needs_revision","reason":"plan is wrong","target":"planning"}'`)

	res, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID: "t-1", Phase: phase.Reviewing, Attempt: 1, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, phase.NeedsRevision, res.Kind)
	assert.Equal(t, phase.Planning, res.Target)
}

func TestInvokeUnknownTargetIsError(t *testing.T) {
	e := script(t, `cat >/dev/null; echo '{"status":"needs_revision","target":"shipping"}'`)

	_, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID: "t-1", Phase: phase.Reviewing, Attempt: 1, Workdir: t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revision target")
}

func TestInvokeUnknownStatusIsError(t *testing.T) {
	e := script(t, `cat >/dev/null; echo '{"status":"maybe"}'`)

	_, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID: "t-1", Phase: phase.Coding, Attempt: 1, Workdir: t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown worker status")
}

func TestInvokeNonZeroExitIsError(t *testing.T) {
	e := script(t, `cat >/dev/null; echo "boom" >&2; exit 3`)

	_, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID: "t-1", Phase: phase.Coding, Attempt: 1, Workdir: t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestInvokeReportOnLastLine(t *testing.T) {
	e := script(t, `cat >/dev/null
echo "running linter"
echo "compiling"
echo '{"status":"success","artifact":"diff"}'`)

	res, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID: "t-1", Phase: phase.Coding, Attempt: 1, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, "diff", res.Artifact)
}

func TestInvokeReceivesEnvironment(t *testing.T) {
	e := script(t, `cat >/dev/null
echo "{\"status\":\"success\",\"artifact\":\"$FOREMAN_TASK_ID/$FOREMAN_PHASE/$FOREMAN_ATTEMPT/$APP_PORT\"}"`)

	res, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID:  "t-9",
		Phase:   phase.Testing,
		Attempt: 2,
		Workdir: t.TempDir(),
		Env:     map[string]string{"APP_PORT": "40123"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t-9/testing/2/40123", res.Artifact)
}

func TestInvokeReceivesRequestOnStdin(t *testing.T) {
	e := script(t, `in=$(cat)
case "$in" in
  *'"artifact":"previous-output"'*) echo '{"status":"success","artifact":"saw-it"}' ;;
  *) echo '{"status":"failure","reason":"stdin missing artifact"}' ;;
esac`)

	res, err := e.Invoke(context.Background(), phase.Invocation{
		TaskID: "t-1", Phase: phase.Coding, Artifact: "previous-output",
		Attempt: 1, Workdir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, phase.Success, res.Kind)
	assert.Equal(t, "saw-it", res.Artifact)
}

func TestInvokeCancellation(t *testing.T) {
	e := script(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := e.Invoke(ctx, phase.Invocation{
		TaskID: "t-1", Phase: phase.Coding, Attempt: 1, Workdir: t.TempDir(),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvokeCancellationReapsChildren(t *testing.T) {
	// The worker's child inherits the stdout pipe. Cancellation must kill
	// the whole process group, or the pipe drain would block until the
	// child exits on its own.
	e := script(t, `sleep 30 & wait`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Invoke(ctx, phase.Invocation{
		TaskID: "t-1", Phase: phase.Coding, Attempt: 1, Workdir: t.TempDir(),
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "invoke returned without waiting out the child")
}

func TestNewExecRequiresCommand(t *testing.T) {
	_, err := NewExec(Config{}, nil)
	require.Error(t, err)
}

// flaky is a phase worker that errors a fixed number of times before
// succeeding.
type flaky struct {
	failures int32
	calls    int32
}

func (f *flaky) Invoke(ctx context.Context, inv phase.Invocation) (phase.Result, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return phase.Result{}, errors.New("transient spawn error")
	}
	return phase.Result{Kind: phase.Success, Artifact: "done"}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	inner := &flaky{failures: 2}
	r := NewResilient("test", inner, fastRetry())

	res, err := r.Invoke(context.Background(), phase.Invocation{TaskID: "t-1", Phase: phase.Coding})
	require.NoError(t, err)
	assert.Equal(t, phase.Success, res.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&inner.calls))
}

func TestResilientGivesUpAfterElapsedTime(t *testing.T) {
	inner := &flaky{failures: 1 << 30}
	cfg := fastRetry()
	cfg.MaxElapsedTime = 20 * time.Millisecond
	r := NewResilient("test", inner, cfg)

	_, err := r.Invoke(context.Background(), phase.Invocation{TaskID: "t-1", Phase: phase.Coding})
	require.Error(t, err)
}

func TestResilientRespectsCancellation(t *testing.T) {
	inner := &flaky{failures: 1 << 30}
	r := NewResilient("test", inner, fastRetry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Invoke(ctx, phase.Invocation{TaskID: "t-1", Phase: phase.Coding})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&inner.calls))
}
