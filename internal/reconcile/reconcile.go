// Package reconcile periodically compares the local chain with every
// connected peer and merges the winning branch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/ledgerchat/internal/chain"
	klog "github.com/Klingon-tech/ledgerchat/internal/log"
	"github.com/Klingon-tech/ledgerchat/pkg/block"
)

const (
	// DefaultInterval is the time between reconciliation rounds.
	DefaultInterval = 10 * time.Second

	// DefaultTimeout bounds one round against one peer.
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the number of blocks requested per fetch.
	DefaultPageSize = 500
)

// ErrShortRead is returned when a peer serves fewer blocks than its
// announced tip implies.
var ErrShortRead = errors.New("peer returned fewer blocks than announced")

var errBusy = errors.New("reconciliation already running for peer")

// Remote is a peer chain that can be queried.
type Remote interface {
	Addr() string
	Summary(ctx context.Context) (chain.Tip, error)
	Blocks(ctx context.Context, from uint64, max int) ([]*block.Block, error)
}

// Config configures a Reconciler. Zero values select the defaults.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	PageSize int
}

// Result reports one reconciliation against one peer.
type Result struct {
	Peer     string
	Local    chain.Tip
	Remote   chain.Tip
	Common   uint64
	Decision chain.Decision
	Added    int
	Dropped  int
}

// Reconciler runs reconciliation rounds against the peers returned by its
// peer function. At most one round per peer runs at a time.
type Reconciler struct {
	chain *chain.Chain
	peers func() []Remote
	cfg   Config

	trigger chan string

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// New creates a reconciler for ch.
func New(ch *chain.Chain, peers func() []Remote, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Reconciler{
		chain:   ch,
		peers:   peers,
		cfg:     cfg,
		trigger: make(chan string, 64),
		running: make(map[string]bool),
	}
}

// Run reconciles against every peer each Interval, and against single
// peers on Trigger, until ctx is cancelled. It waits for in-flight rounds
// before returning.
func (r *Reconciler) Run(ctx context.Context) {
	defer r.wg.Wait()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range r.peers() {
				r.spawn(ctx, p)
			}
		case addr := <-r.trigger:
			for _, p := range r.peers() {
				if addr == "" || p.Addr() == addr {
					r.spawn(ctx, p)
				}
			}
		}
	}
}

// Trigger asks Run for an immediate round against addr, or against every
// peer when addr is empty. Requests for a peer already being reconciled
// are coalesced into the running round.
func (r *Reconciler) Trigger(addr string) {
	select {
	case r.trigger <- addr:
	default:
	}
}

// SyncAll reconciles against every peer concurrently and waits for all
// rounds. Peers that fail are logged and left out of the results.
func (r *Reconciler) SyncAll(ctx context.Context) []Result {
	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)
	for _, p := range r.peers() {
		wg.Add(1)
		go func(p Remote) {
			defer wg.Done()
			res, err := r.syncGuarded(ctx, p)
			if err != nil {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return results
}

func (r *Reconciler) spawn(ctx context.Context, p Remote) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.syncGuarded(ctx, p)
	}()
}

// syncGuarded runs one logged round against p unless one is already
// running.
func (r *Reconciler) syncGuarded(ctx context.Context, p Remote) (Result, error) {
	addr := p.Addr()
	r.mu.Lock()
	if r.running[addr] {
		r.mu.Unlock()
		return Result{}, errBusy
	}
	r.running[addr] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, addr)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	logger := klog.Sync.With().Str("peer", addr).Logger()
	res, err := r.SyncPeer(ctx, p)
	if err != nil {
		logger.Debug().Err(err).Msg("Reconciliation failed")
		return res, err
	}
	switch res.Decision {
	case chain.FastForward:
		logger.Info().
			Int("added", res.Added).
			Uint64("length", res.Remote.Length).
			Msg("Fast-forwarded from peer")
	case chain.ReorgToRemote:
		logger.Info().
			Uint64("fork_index", res.Common).
			Int("added", res.Added).
			Int("dropped", res.Dropped).
			Msg("Adopted peer branch")
	case chain.KeepLocal:
		logger.Debug().
			Uint64("fork_index", res.Common).
			Str("local", res.Local.String()).
			Str("remote", res.Remote.String()).
			Msg("Fork detected, local branch wins")
	default:
		logger.Debug().Str("decision", res.Decision.String()).Msg("Reconciled")
	}
	return res, nil
}

// SyncPeer reconciles the local chain with p once: it compares tips, finds
// the shared prefix, fetches the peer's suffix when the peer's branch wins
// and applies it.
func (r *Reconciler) SyncPeer(ctx context.Context, p Remote) (Result, error) {
	res := Result{Peer: p.Addr()}

	remote, err := p.Summary(ctx)
	if err != nil {
		return res, fmt.Errorf("summary: %w", err)
	}
	local := r.chain.Summary()
	res.Local, res.Remote = local, remote

	if local == remote {
		res.Common = local.Length
		res.Decision = chain.InSync
		return res, nil
	}

	common, err := r.commonPrefix(ctx, p, local, remote)
	if err != nil {
		return res, fmt.Errorf("common prefix: %w", err)
	}
	res.Common = common
	res.Decision = chain.Resolve(local, remote, common)
	if !res.Decision.Changes() {
		return res, nil
	}

	suffix, err := r.fetchSuffix(ctx, p, common, remote.Length)
	if err != nil {
		return res, fmt.Errorf("fetch suffix: %w", err)
	}
	merged, err := r.chain.ApplyRemote(common, remote, suffix, p.Addr())
	if err != nil {
		return res, err
	}
	res.Decision = merged.Decision
	res.Added = merged.Added
	res.Dropped = len(merged.Dropped)
	return res, nil
}

// commonPrefix returns the number of leading blocks the local chain shares
// with p. Matching hashes at one index imply matching prefixes, so the
// search probes the last comparable index first and then walks backwards
// a page at a time.
func (r *Reconciler) commonPrefix(ctx context.Context, p Remote, local, remote chain.Tip) (uint64, error) {
	end := local.Length
	if remote.Length < end {
		end = remote.Length
	}
	if end == 0 {
		return 0, nil
	}

	match, err := r.matchesAt(ctx, p, end-1)
	if err != nil {
		return 0, err
	}
	if match {
		return end, nil
	}
	end--

	page := uint64(r.cfg.PageSize)
	for end > 0 {
		start := uint64(0)
		if end > page {
			start = end - page
		}
		remoteBlocks, err := p.Blocks(ctx, start, int(end-start))
		if err != nil {
			return 0, err
		}
		if uint64(len(remoteBlocks)) != end-start {
			return 0, fmt.Errorf("%w: asked %d from %d, got %d", ErrShortRead, end-start, start, len(remoteBlocks))
		}
		localHashes, err := r.chain.Hashes(start, end)
		if err != nil {
			return 0, err
		}
		if len(localHashes) != len(remoteBlocks) {
			return 0, fmt.Errorf("%w: local chain shrank below %d", chain.ErrStaleView, end)
		}
		for i := len(remoteBlocks) - 1; i >= 0; i-- {
			if remoteBlocks[i].Hash == localHashes[i] {
				return start + uint64(i) + 1, nil
			}
		}
		end = start
	}
	return 0, nil
}

func (r *Reconciler) matchesAt(ctx context.Context, p Remote, index uint64) (bool, error) {
	blocks, err := p.Blocks(ctx, index, 1)
	if err != nil {
		return false, err
	}
	if len(blocks) != 1 {
		return false, fmt.Errorf("%w: no block at %d", ErrShortRead, index)
	}
	h, err := r.chain.HashAt(index)
	if err != nil {
		return false, err
	}
	return blocks[0].Hash == h, nil
}

// fetchSuffix downloads the peer's blocks in [from, to).
func (r *Reconciler) fetchSuffix(ctx context.Context, p Remote, from, to uint64) ([]*block.Block, error) {
	n := to - from
	if n > uint64(r.cfg.PageSize) {
		n = uint64(r.cfg.PageSize)
	}
	suffix := make([]*block.Block, 0, n)
	for next := from; next < to; {
		want := to - next
		if want > uint64(r.cfg.PageSize) {
			want = uint64(r.cfg.PageSize)
		}
		blocks, err := p.Blocks(ctx, next, int(want))
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			return nil, fmt.Errorf("%w: nothing at %d, tip at %d", ErrShortRead, next, to)
		}
		if uint64(len(blocks)) > want {
			blocks = blocks[:want]
		}
		suffix = append(suffix, blocks...)
		next += uint64(len(blocks))
	}
	return suffix, nil
}
