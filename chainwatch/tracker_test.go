package chainwatch

import (
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newTestTracker creates a tracker with its tip at tip.
func newTestTracker(backend ChainBackend, tip ChainTip) (*tracker,
	*eventLog) {

	events := &eventLog{}
	t := newTracker(
		backend, clock.NewDefaultClock(), 10*time.Millisecond,
		NewMetrics(nil), events.emit, make(chan struct{}),
	)
	t.tip = tip

	return t, events
}

// TestTrackerScenario walks through a linear advance followed by a gap that
// is resolved through the parent's height.
func TestTrackerScenario(t *testing.T) {
	t.Parallel()

	backend := &MockChainBackend{}
	hashA := testHash(0xaa)
	tr, events := newTestTracker(backend, ChainTip{
		Height: 100,
		Hash:   hashA,
	})

	// B extends A.
	rawB, hashB := rawBlock(t, hashA, 1)
	tr.ProcessRawBlock(rawB)

	require.Equal(t, ChainTip{Height: 101, Hash: hashB}, tr.bestBlock())
	require.Equal(t, []int32{101}, events.blocks())

	// D's parent C is unknown locally, the node puts it at 103.
	hashC := testHash(0xcc)
	backend.On("GetBlock", &hashC).Return(&BlockInfo{
		Height: 103,
		Hash:   hashC,
	}, nil).Once()

	rawD, hashD := rawBlock(t, hashC, 2)
	tr.ProcessRawBlock(rawD)

	require.Equal(t, ChainTip{Height: 104, Hash: hashD}, tr.bestBlock())
	require.Equal(t, []int32{101, 102, 103, 104}, events.blocks())
	require.EqualValues(t, 1, testutil.ToFloat64(tr.metrics.Reorgs))
	require.EqualValues(t, 104, testutil.ToFloat64(tr.metrics.TipHeight))
	require.EqualValues(
		t, 4, testutil.ToFloat64(tr.metrics.BlocksConnected),
	)

	backend.AssertExpectations(t)
}

// TestTrackerOrphan checks that candidates at or below the tip are dropped.
func TestTrackerOrphan(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		parentHeight int32
	}{
		{
			name:         "same height as tip",
			parentHeight: 99,
		},
		{
			name:         "below tip",
			parentHeight: 95,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			backend := &MockChainBackend{}
			tip := ChainTip{Height: 100, Hash: testHash(0xaa)}
			tr, events := newTestTracker(backend, tip)

			parent := testHash(0x01)
			backend.On("GetBlock", &parent).Return(&BlockInfo{
				Height: tc.parentHeight,
				Hash:   parent,
			}, nil)

			raw, _ := rawBlock(t, parent, 7)
			tr.ProcessRawBlock(raw)

			require.Equal(t, tip, tr.bestBlock())
			require.Empty(t, events.blocks())
			require.EqualValues(
				t, 1, testutil.ToFloat64(tr.metrics.Orphans),
			)
		})
	}
}

// TestTrackerBlockHash checks block hash notifications, where the node
// supplies the candidate's height.
func TestTrackerBlockHash(t *testing.T) {
	t.Parallel()

	backend := &MockChainBackend{}
	hashA := testHash(0xaa)
	tr, events := newTestTracker(backend, ChainTip{
		Height: 100,
		Hash:   hashA,
	})

	hashB := testHash(0xbb)
	backend.On("GetBlock", &hashB).Return(&BlockInfo{
		Height:       101,
		Hash:         hashB,
		PreviousHash: hashA,
	}, nil).Once()

	tr.ProcessBlockHash(hashB)
	require.Equal(t, ChainTip{Height: 101, Hash: hashB}, tr.bestBlock())

	// A gap with a known height needs no parent lookup.
	hashE := testHash(0xee)
	backend.On("GetBlock", &hashE).Return(&BlockInfo{
		Height:       104,
		Hash:         hashE,
		PreviousHash: testHash(0xdd),
	}, nil).Once()

	tr.ProcessBlockHash(hashE)
	require.Equal(t, ChainTip{Height: 104, Hash: hashE}, tr.bestBlock())
	require.Equal(t, []int32{101, 102, 103, 104}, events.blocks())

	backend.AssertExpectations(t)
	backend.AssertNumberOfCalls(t, "GetBlock", 2)
}

// TestTrackerNotFoundRetry checks the single retry of blocks the node hasn't
// written to disk yet.
func TestTrackerNotFoundRetry(t *testing.T) {
	t.Parallel()

	hashA := testHash(0xaa)
	hashB := testHash(0xbb)
	info := &BlockInfo{Height: 101, Hash: hashB, PreviousHash: hashA}

	testCases := []struct {
		name      string
		setup     func(*MockChainBackend)
		tip       ChainTip
		wantCalls int
	}{
		{
			name: "retry succeeds",
			setup: func(m *MockChainBackend) {
				m.On("GetBlock", &hashB).Return(
					nil, ErrBlockNotFoundOnDisk,
				).Once()
				m.On("GetBlock", &hashB).Return(info, nil).Once()
			},
			tip:       ChainTip{Height: 101, Hash: hashB},
			wantCalls: 2,
		},
		{
			name: "retry fails",
			setup: func(m *MockChainBackend) {
				m.On("GetBlock", &hashB).Return(
					nil, ErrBlockNotFoundOnDisk,
				).Twice()
			},
			tip:       ChainTip{Height: 100, Hash: hashA},
			wantCalls: 2,
		},
		{
			name: "other errors are not retried",
			setup: func(m *MockChainBackend) {
				m.On("GetBlock", &hashB).Return(
					nil, errors.New("rpc down"),
				).Once()
			},
			tip:       ChainTip{Height: 100, Hash: hashA},
			wantCalls: 1,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			backend := &MockChainBackend{}
			tc.setup(backend)

			tr, _ := newTestTracker(backend, ChainTip{
				Height: 100,
				Hash:   hashA,
			})
			tr.ProcessBlockHash(hashB)

			require.Equal(t, tc.tip, tr.bestBlock())
			backend.AssertNumberOfCalls(t, "GetBlock", tc.wantCalls)
		})
	}
}

// TestTrackerRetryAbortsOnShutdown checks that a pending retry gives up once
// the watcher stops.
func TestTrackerRetryAbortsOnShutdown(t *testing.T) {
	t.Parallel()

	backend := &MockChainBackend{}
	hashB := testHash(0xbb)
	backend.On("GetBlock", &hashB).Return(nil, ErrBlockNotFoundOnDisk)

	quit := make(chan struct{})
	close(quit)

	tr := newTracker(
		backend, clock.NewDefaultClock(), time.Hour, NewMetrics(nil),
		(&eventLog{}).emit, quit,
	)

	_, err := tr.getBlock(&hashB)
	require.ErrorIs(t, err, ErrShuttingDown)
	backend.AssertNumberOfCalls(t, "GetBlock", 1)
}

// TestTrackerShortBlock checks that a truncated raw block is dropped.
func TestTrackerShortBlock(t *testing.T) {
	t.Parallel()

	tip := ChainTip{Height: 5, Hash: testHash(0x05)}
	tr, events := newTestTracker(&MockChainBackend{}, tip)

	tr.ProcessRawBlock(make([]byte, 79))

	require.Equal(t, tip, tr.bestBlock())
	require.Empty(t, events.blocks())
}

// TestTrackerLinearAdvance checks that every block extending the tip moves
// it by exactly one height and emits exactly one event.
func TestTrackerLinearAdvance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		start := rapid.Int32Range(0, 900_000).Draw(rt, "start")
		numBlocks := rapid.IntRange(1, 50).Draw(rt, "numBlocks")

		// Linear advances never query the node, the empty mock
		// fails the test if they do.
		tr, events := newTestTracker(&MockChainBackend{}, ChainTip{
			Height: start,
			Hash:   testHash(0x42),
		})

		for i := 0; i < numBlocks; i++ {
			before := tr.bestBlock()
			raw, hash := rawBlock(rt, before.Hash, uint32(i))

			tr.ProcessRawBlock(raw)

			require.Equal(rt, ChainTip{
				Height: before.Height + 1,
				Hash:   hash,
			}, tr.bestBlock())
			require.Len(rt, events.blocks(), i+1)
		}
	})
}

// TestTrackerGapBackfill checks that a gap of n heights emits n ascending
// block events.
func TestTrackerGapBackfill(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		start := rapid.Int32Range(0, 900_000).Draw(rt, "start")
		gap := rapid.Int32Range(2, 200).Draw(rt, "gap")

		parent := testHash(0x77)
		backend := &MockChainBackend{}
		backend.On("GetBlock", &parent).Return(&BlockInfo{
			Height: start + gap - 1,
			Hash:   parent,
		}, nil)

		tr, events := newTestTracker(backend, ChainTip{
			Height: start,
			Hash:   testHash(0x42),
		})

		raw, hash := rawBlock(rt, parent, 0)
		tr.ProcessRawBlock(raw)

		want := make([]int32, 0, gap)
		for h := start + 1; h <= start+gap; h++ {
			want = append(want, h)
		}
		require.Equal(rt, want, events.blocks())
		require.Equal(rt, ChainTip{
			Height: start + gap,
			Hash:   hash,
		}, tr.bestBlock())
	})
}

// TestTrackerFeedsSerialized checks that concurrent raw block and block hash
// handlers never lose an advance.
func TestTrackerFeedsSerialized(t *testing.T) {
	t.Parallel()

	backend := &MockChainBackend{}
	genesis := testHash(0x01)
	tr, events := newTestTracker(backend, ChainTip{Hash: genesis})

	rawB, hashB := rawBlock(t, genesis, 1)

	// The same block arrives on both feeds, only one of them may connect
	// it.
	backend.On("GetBlock", &hashB).Return(&BlockInfo{
		Height:       1,
		Hash:         hashB,
		PreviousHash: genesis,
	}, nil)
	backend.On("GetBlock", mock.Anything).Return(&BlockInfo{
		Height: 0,
		Hash:   genesis,
	}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.ProcessBlockHash(hashB)
	}()
	tr.ProcessRawBlock(rawB)
	<-done

	require.Equal(t, ChainTip{Height: 1, Hash: hashB}, tr.bestBlock())
	require.Equal(t, []int32{1}, events.blocks())
}
