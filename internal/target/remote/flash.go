package remote

import (
	"context"
	"fmt"

	"github.com/markus-k/probe-rs/internal/errors"
	"github.com/markus-k/probe-rs/internal/flashalgo"
	"github.com/markus-k/probe-rs/internal/log"
	"github.com/markus-k/probe-rs/internal/target"
	"github.com/markus-k/probe-rs/internal/targetdesc"
)

// RunFlashAlgorithm implements target.Target. A stub that publishes a
// memory map programs flash itself through vFlash packets. Otherwise the
// algorithm is loaded into target RAM and run over the stub's memory and
// register access.
func (t *Target) RunFlashAlgorithm(ctx context.Context, req target.FlashRequest) error {
	t.mu.Lock()
	if err := t.prepare(ctx, "flash programming"); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.features["qXfer:memory-map:read"] == "+" {
		defer t.mu.Unlock()
		log.Debug("programming %d bytes at %#x through the stub", len(req.Data), req.Address)
		return t.vFlash(ctx, req)
	}
	core := t.selected
	t.mu.Unlock()

	algo := t.chip.Family().Algorithm(req.Algorithm)
	if algo == nil {
		return errors.FlashFailed(req.Algorithm, fmt.Errorf("unknown algorithm"))
	}
	ram, ok := t.ramFor(core)
	if !ok {
		return errors.FlashFailed(algo.Name, fmt.Errorf("no RAM region reachable from core %d", core))
	}
	r, err := flashalgo.NewRunner(t, t.chip.Cores[core].Type, algo, ram)
	if err != nil {
		return errors.FlashFailed(algo.Name, err)
	}
	return r.Run(ctx, req)
}

func (t *Target) vFlash(ctx context.Context, req target.FlashRequest) error {
	erase := req.Erase
	if req.EraseAll {
		algo := t.chip.Family().Algorithm(req.Algorithm)
		if algo == nil {
			return errors.FlashFailed(req.Algorithm, fmt.Errorf("unknown algorithm"))
		}
		erase = []target.Range{algo.FlashProperties.AddressRange.Range()}
	}
	for _, e := range erase {
		if err := t.expectOK(ctx, fmt.Sprintf("vFlashErase:%x,%x", e.Start, e.Len())); err != nil {
			return errors.FlashFailed(req.Algorithm, err)
		}
	}
	// Escaping may double every data byte.
	chunk := max((t.packetSize-64)/2, 16)
	addr, data := req.Address, req.Data
	for len(data) > 0 {
		n := min(chunk, len(data))
		payload := append([]byte(fmt.Sprintf("vFlashWrite:%x:", addr)), data[:n]...)
		reply, err := t.exchangeBytes(ctx, payload)
		if err != nil {
			return errors.FlashFailed(req.Algorithm, err)
		}
		if string(reply) != "OK" {
			return errors.FlashFailed(req.Algorithm, fmt.Errorf("vFlashWrite at %#x: %q", addr, reply))
		}
		addr += uint64(n)
		data = data[n:]
	}
	if err := t.expectOK(ctx, "vFlashDone"); err != nil {
		return errors.FlashFailed(req.Algorithm, err)
	}
	return nil
}

// ramFor returns the first RAM region core can reach.
func (t *Target) ramFor(core int) (target.Range, bool) {
	name := t.chip.Cores[core].Name
	for _, r := range t.chip.MemoryMap {
		if r.Kind == targetdesc.RegionRAM && r.AccessibleBy(name) {
			return r.Range.Range(), true
		}
	}
	return target.Range{}, false
}
