package kci

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwplane/kci/internal/dma"
	"github.com/hwplane/kci/internal/mailbox"
	"github.com/hwplane/kci/internal/mmio"
)

const (
	testCSRBase   = 0x1000
	testCSRStride = 0x100
)

type testRig struct {
	eng  *Engine
	fw   *FakeFirmware
	mgr  *mailbox.Manager
	pool *dma.Pool
}

// newTestRig wires an engine to simulated firmware over an in-process
// register file. The IRQ line is connected unless attachIRQ is false.
func newTestRig(t *testing.T, cfg Config, attachIRQ bool) *testRig {
	t.Helper()

	regs := mmio.NewMem(0x2000)
	pool := dma.NewPool(0x100000)
	layout := mailbox.FlatLayout(testCSRBase, testCSRStride)

	mgr, err := mailbox.NewManager(regs, mailbox.Config{
		NumMailboxes: 4,
		Layout:       layout,
	})
	require.NoError(t, err)

	fw := NewFakeFirmware(regs, pool, layout, mailbox.KCIIndex)

	eng, err := NewEngine(mgr, pool, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	if attachIRQ {
		fw.AttachInterrupt(mgr.HandleInterrupt)
	}
	return &testRig{eng: eng, fw: fw, mgr: mgr, pool: pool}
}

func waitCommands(t *testing.T, fw *FakeFirmware, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(fw.Commands()) >= n
	}, time.Second, time.Millisecond)
}

func TestSendAndWaitRoundTrip(t *testing.T) {
	rig := newTestRig(t, Config{}, true)

	resp, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), resp.Seq)
	assert.Equal(t, FwOK, resp.FirmwareStatus())
	assert.Equal(t, StatusOK, resp.Status)

	resp, err = rig.eng.SendAndWait(&Command{Code: CodeAck})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Seq, "sequence numbers increase by one")
}

func TestConcurrentSubmissionOrder(t *testing.T) {
	rig := newTestRig(t, Config{}, true)

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := rig.eng.PushCommand(&Command{Code: CodeAck}, nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	cmds := rig.fw.Commands()
	require.Len(t, cmds, workers*perWorker)
	for i, cmd := range cmds {
		assert.Equal(t, uint64(i), cmd.Seq,
			"ring order must match sequence order")
	}
}

func TestDuplicateResponseDropped(t *testing.T) {
	rig := newTestRig(t, Config{}, true)
	rig.fw.SetResponder(DropAllResponder)

	done := make(chan error, 1)
	go func() {
		_, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
		done <- err
	}()
	waitCommands(t, rig.fw, 1)

	resp := Response{Seq: 0, Code: uint16(FwOK)}
	require.True(t, rig.fw.PushResponse(resp))
	require.NoError(t, <-done)

	// The duplicate matches nothing and is silently discarded.
	require.True(t, rig.fw.PushResponse(resp))
	assert.Eventually(t, func() bool {
		return rig.eng.Metrics().StaleDropped.Load() == 1
	}, time.Second, time.Millisecond)

	// Engine still serves commands afterwards.
	rig.fw.SetResponder(EchoResponder)
	_, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
	assert.NoError(t, err)
}

func TestSkippedCommandResolvedAsNoResponse(t *testing.T) {
	rig := newTestRig(t, Config{}, true)
	rig.fw.SetResponder(func(cmd Command) (Response, bool) {
		if cmd.Seq == 0 {
			return Response{}, false // firmware skips the first command
		}
		return EchoResponder(cmd)
	})

	first := make(chan error, 1)
	go func() {
		_, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
		first <- err
	}()
	waitCommands(t, rig.fw, 1)

	// The response to the second command resolves the first as skipped.
	resp, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Seq)

	err = <-first
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResponse), "got %v", err)
	assert.EqualValues(t, 1, rig.eng.Metrics().NoResponses.Load())
}

func TestResponseTimeout(t *testing.T) {
	rig := newTestRig(t, Config{ResponseTimeout: 50 * time.Millisecond}, true)
	rig.fw.SetResponder(DropAllResponder)

	_, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.EqualValues(t, 1, rig.eng.Metrics().Timeouts.Load())

	// A response arriving after the wait was retracted is dropped, and
	// the engine keeps working.
	require.True(t, rig.fw.PushResponse(Response{Seq: 0, Code: uint16(FwOK)}))
	assert.Eventually(t, func() bool {
		return rig.eng.Metrics().StaleDropped.Load() == 1
	}, time.Second, time.Millisecond)

	rig.fw.SetResponder(EchoResponder)
	resp, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Seq)
}

func TestCommandQueueFullTimesOut(t *testing.T) {
	rig := newTestRig(t, Config{
		QueueSize:      4,
		CommandTimeout: 50 * time.Millisecond,
	}, true)
	rig.fw.Halt()

	for i := 0; i < 4; i++ {
		require.NoError(t, rig.eng.PushCommand(&Command{Code: CodeAck}, nil))
	}

	err := rig.eng.PushCommand(&Command{Code: CodeAck}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.EqualValues(t, 1, rig.eng.Metrics().SubmitErrors.Load())
}

func TestSubmitterWokenWhenSpaceFrees(t *testing.T) {
	rig := newTestRig(t, Config{QueueSize: 4}, true)
	rig.fw.Halt()

	for i := 0; i < 4; i++ {
		require.NoError(t, rig.eng.PushCommand(&Command{Code: CodeAck}, nil))
	}

	pushed := make(chan error, 1)
	go func() {
		pushed <- rig.eng.PushCommand(&Command{Code: CodeAck}, nil)
	}()

	// Give the submitter time to block, then let the device drain. The
	// response doorbell is what wakes it.
	time.Sleep(10 * time.Millisecond)
	rig.fw.Resume()

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submitter not woken by freed queue space")
	}
	waitCommands(t, rig.fw, 5)
}

func TestBulkDrain(t *testing.T) {
	// IRQ line detached: responses pile up in the ring, then one
	// interrupt drains them all.
	rig := newTestRig(t, Config{}, false)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, rig.eng.PushCommand(&Command{Code: CodeAck}, nil))
	}
	waitCommands(t, rig.fw, n)

	rig.mgr.HandleInterrupt()

	m := rig.eng.Metrics()
	require.Eventually(t, func() bool {
		return m.ResponsesFetched.Load() == n
	}, time.Second, time.Millisecond)
	// No waits were registered, so every response resolves as stale.
	assert.Eventually(t, func() bool {
		return m.StaleDropped.Load() == n
	}, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, m.DrainBatches.Load(), uint64(1))
	assert.GreaterOrEqual(t, uint64(m.MaxDrainBatch.Load()), uint64(2))
}

func TestReinitFailsPendingWaits(t *testing.T) {
	rig := newTestRig(t, Config{}, true)
	rig.fw.SetResponder(DropAllResponder)

	done := make(chan error, 1)
	go func() {
		_, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
		done <- err
	}()
	waitCommands(t, rig.fw, 1)

	require.NoError(t, rig.eng.Reinit())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoResponse), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("pending wait not failed by reinit")
	}

	// Sequence numbering restarts with the new firmware instance.
	rig.fw.SetResponder(EchoResponder)
	resp, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), resp.Seq)
}

func TestCloseIdempotentAndFailsFurtherUse(t *testing.T) {
	rig := newTestRig(t, Config{}, true)

	require.NoError(t, rig.eng.Close())
	require.NoError(t, rig.eng.Close())

	err := rig.eng.PushCommand(&Command{Code: CodeAck}, nil)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	err = rig.eng.Reinit()
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)

	// The KCI mailbox is released and can be claimed again.
	_, err = rig.mgr.KCI()
	assert.NoError(t, err)
}

func TestRoundTripsUnderLoad(t *testing.T) {
	rig := newTestRig(t, Config{QueueSize: 16}, true)

	const workers = 4
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				resp, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
				if assert.NoError(t, err) {
					assert.Equal(t, FwOK, resp.FirmwareStatus())
				}
			}
		}()
	}
	wg.Wait()

	m := rig.eng.Metrics()
	assert.EqualValues(t, workers*perWorker, m.CommandsSent.Load())
	assert.EqualValues(t, workers*perWorker, m.ResponsesMatched.Load())
	assert.Zero(t, m.Timeouts.Load())
}

func TestQueueSizeValidated(t *testing.T) {
	regs := mmio.NewMem(0x2000)
	pool := dma.NewPool(0x100000)
	mgr, err := mailbox.NewManager(regs, mailbox.Config{
		NumMailboxes: 1,
		Layout:       mailbox.FlatLayout(testCSRBase, testCSRStride),
	})
	require.NoError(t, err)

	_, err = NewEngine(mgr, pool, Config{QueueSize: 5000})
	require.Error(t, err)

	// The failed construction released the mailbox.
	eng, err := NewEngine(mgr, pool, Config{QueueSize: 8})
	require.NoError(t, err)
	defer eng.Close()
}

func TestWaitListOrderingAcrossBatch(t *testing.T) {
	// One response for the newest of several pending commands resolves
	// all older ones as skipped, in one pass.
	rig := newTestRig(t, Config{}, true)
	rig.fw.SetResponder(DropAllResponder)

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
			errs <- err
		}()
		// Serialize submission so sequence numbers map to goroutines.
		waitCommands(t, rig.fw, i+1)
	}

	require.True(t, rig.fw.PushResponse(Response{Seq: n - 1, Code: uint16(FwOK)}))

	var okCount, noRespCount int
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, ErrNoResponse):
				noRespCount++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending wait never resolved")
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, n-1, noRespCount)
}

func TestWrapAroundManyLaps(t *testing.T) {
	rig := newTestRig(t, Config{QueueSize: 8}, true)

	// Enough round trips to lap the 8-entry ring many times over.
	for i := 0; i < 100; i++ {
		resp, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
		require.NoError(t, err, "round trip %d", i)
		require.Equal(t, uint64(i), resp.Seq)
	}
}

func TestFutureResponseDropped(t *testing.T) {
	// A response with a sequence number the engine never issued matches
	// nothing and resolves nothing.
	rig := newTestRig(t, Config{ResponseTimeout: 100 * time.Millisecond}, true)
	rig.fw.SetResponder(DropAllResponder)

	done := make(chan error, 1)
	go func() {
		_, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
		done <- err
	}()
	waitCommands(t, rig.fw, 1)

	require.True(t, rig.fw.PushResponse(Response{Seq: 99, Code: uint16(FwOK)}))

	err := <-done
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Eventually(t, func() bool {
		return rig.eng.Metrics().StaleDropped.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestErrorStringsCarryContext(t *testing.T) {
	rig := newTestRig(t, Config{ResponseTimeout: 50 * time.Millisecond}, true)
	rig.fw.SetResponder(DropAllResponder)

	_, err := rig.eng.SendAndWait(&Command{Code: CodeFirmwareInfo, Seq: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIRMWARE_INFO")
	assert.Contains(t, err.Error(), fmt.Sprintf("seq=%d", 0))
}

func TestReinitConcurrentWithDrain(t *testing.T) {
	rig := newTestRig(t, Config{}, true)

	// Each push fires the doorbell and schedules the drain worker, so the
	// worker races the cursor reprogramming below.
	for i := 0; i < 50; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for seq := uint64(0); seq < 4; seq++ {
				rig.fw.PushResponse(Response{Seq: seq, Code: uint16(FwOK)})
			}
		}()
		require.NoError(t, rig.eng.Reinit())
		<-done
	}

	// A final quiet reinit leaves both sides at cursor zero; the engine
	// must still round-trip afterwards.
	require.NoError(t, rig.eng.Reinit())
	resp, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
	require.NoError(t, err)
	assert.Equal(t, FwOK, resp.FirmwareStatus())
}

func TestTimeoutRaceWithLateResponse(t *testing.T) {
	const n = 200
	timeout := 2 * time.Millisecond
	rig := newTestRig(t, Config{ResponseTimeout: timeout}, true)
	rig.fw.SetResponder(DropAllResponder)

	// The response lands right at the deadline: either the waiter wins and
	// gets the payload, or the timeout wins and the late response is
	// dropped as stale. Nothing in between.
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		seq := uint64(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(timeout)
			rig.fw.PushResponse(Response{Seq: seq, Code: uint16(FwOK), Retval: 7})
		}()

		resp, err := rig.eng.SendAndWait(&Command{Code: CodeAck})
		if err != nil {
			require.True(t, IsCode(err, ErrCodeTimeout), "got %v", err)
			continue
		}
		assert.Equal(t, uint16(FwOK), resp.Code)
		assert.EqualValues(t, 7, resp.Retval)
	}
	wg.Wait()

	// Every pushed response was either matched or dropped, never lost.
	assert.Eventually(t, func() bool {
		m := rig.eng.Metrics()
		return m.ResponsesMatched.Load()+m.StaleDropped.Load() == n
	}, time.Second, time.Millisecond)
}
