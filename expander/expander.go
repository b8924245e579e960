package expander

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/example/netguard/iputil"
	"github.com/example/netguard/pubsub"
	"github.com/example/netguard/store"
)

const (
	// DefaultSampleCap bounds how many IPv6 addresses one range may expand to.
	DefaultSampleCap = 500000

	insertChunk       = 2000
	insertParallelism = 10
)

// insertSlots bounds concurrent address-insert batches across every
// expansion in the process, not per call.
var insertSlots = make(chan struct{}, insertParallelism)

// Expander converts a provider's IPRange rows into concrete IPAddress rows.
// IPv4 ranges are enumerated exhaustively; IPv6 ranges above SampleCap are
// sampled uniformly with replacement. Duplicates are tolerated and collapsed
// by the address unique index.
type Expander struct {
	store  store.Store
	bus    *pubsub.Bus
	logger log.Logger

	// SampleCap overrides DefaultSampleCap; tests lower it.
	SampleCap int64
}

// New returns an Expander publishing progress to the bus.
func New(st store.Store, bus *pubsub.Bus, logger log.Logger) *Expander {
	return &Expander{
		store:     st,
		bus:       bus,
		logger:    log.With(logger, "component", "expander"),
		SampleCap: DefaultSampleCap,
	}
}

// ExpandProvider rewrites the provider's addresses from its current ranges:
// full delete, then batched insertion with bounded parallelism. A progress
// event is published after each committed batch and a terminal completed
// event at the end.
func (e *Expander) ExpandProvider(ctx context.Context, providerID int64) error {
	ranges, err := e.store.RangesByProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteAddresses(ctx, providerID); err != nil {
		return err
	}

	var total int64
	for _, r := range ranges {
		total += e.expandedCount(r)
	}
	level.Info(e.logger).Log("msg", "expanding ranges", "provider", providerID, "ranges", len(ranges), "addresses", total)

	var (
		sem       = insertSlots
		wg        sync.WaitGroup
		processed = atomic.NewInt64(0)
		errMu     sync.Mutex
		firstErr  error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}
	insert := func(batch []store.IPAddress) {
		defer wg.Done()
		defer func() { <-sem }()
		if err := e.store.InsertAddresses(ctx, batch); err != nil {
			fail(err)
			return
		}
		done := processed.Add(int64(len(batch)))
		e.publish(ctx, pubsub.NewProgressEvent(pubsub.StatusInserting, total, done,
			fmt.Sprintf("inserted %d of %d addresses", done, total)))
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	batch := make([]store.IPAddress, 0, insertChunk)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		rows := batch
		batch = make([]store.IPAddress, 0, insertChunk)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			fail(ctx.Err())
			return
		}
		wg.Add(1)
		go insert(rows)
	}

	for _, r := range ranges {
		if err := e.generate(ctx, r, rng, func(ip string) {
			batch = append(batch, store.IPAddress{
				ProviderID: providerID,
				IP:         ip,
				Family:     r.Family,
			})
			if len(batch) >= insertChunk {
				flush()
			}
		}); err != nil {
			fail(err)
			break
		}
		errMu.Lock()
		stop := firstErr != nil
		errMu.Unlock()
		if stop {
			break
		}
	}
	flush()
	wg.Wait()

	if firstErr != nil {
		e.publish(ctx, pubsub.NewProgressEvent(pubsub.StatusInProgress, total, processed.Load(),
			"address expansion failed"))
		return firstErr
	}
	e.publish(ctx, pubsub.NewProgressEvent(pubsub.StatusCompleted, total, processed.Load(),
		"address expansion completed"))
	return nil
}

// expandedCount reports how many addresses the range will produce.
func (e *Expander) expandedCount(r store.IPRange) int64 {
	size := iputil.RangeSize(r.StartIP, r.EndIP)
	if r.Family == iputil.FamilyIPv6 {
		limit := big.NewInt(e.sampleCap())
		if size.Cmp(limit) > 0 {
			return e.sampleCap()
		}
	}
	if !size.IsInt64() {
		return e.sampleCap()
	}
	return size.Int64()
}

func (e *Expander) sampleCap() int64 {
	if e.SampleCap > 0 {
		return e.SampleCap
	}
	return DefaultSampleCap
}

// generate walks every address the range expands to. IPv4 and small IPv6
// ranges are enumerated from start to end; oversized IPv6 ranges emit
// cap-many uniform samples with replacement.
func (e *Expander) generate(ctx context.Context, r store.IPRange, rng *rand.Rand, emit func(string)) error {
	if r.StartIP == nil || r.EndIP == nil {
		return errors.Errorf("range %d has unparsable bounds", r.ID)
	}
	start := iputil.ToInt(r.StartIP)
	size := iputil.RangeSize(r.StartIP, r.EndIP)

	if r.Family == iputil.FamilyIPv6 && size.Cmp(big.NewInt(e.sampleCap())) > 0 {
		for i := int64(0); i < e.sampleCap(); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			offset := new(big.Int).Rand(rng, size)
			ip := iputil.FromInt(new(big.Int).Add(start, offset), r.Family)
			emit(ip.String())
		}
		return nil
	}

	cur := new(big.Int).Set(start)
	one := big.NewInt(1)
	for i := new(big.Int); i.Cmp(size) < 0; i.Add(i, one) {
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(iputil.FromInt(cur, r.Family).String())
		cur.Add(cur, one)
	}
	return nil
}

func (e *Expander) publish(ctx context.Context, ev pubsub.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, pubsub.ChannelProgress, ev); err != nil {
		level.Warn(e.logger).Log("msg", "publish progress failed", "err", err)
	}
}
