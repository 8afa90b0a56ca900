// Copyright 2026 The Caisson Authors
// SPDX-License-Identifier: Apache-2.0

package graphics

import (
	"context"
	"log/slog"
)

// Enumeration is the cache one worker fills: everything a provider
// scan discovered for one architecture (or, with Arch nil, the
// architecture-independent JSON-described modules). A worker writes
// only to its own Enumeration, and the orchestrator joins the worker
// before reading it, so there is a single synchronization point and
// no locking.
type Enumeration struct {
	Provider *Provider

	// Arch is nil for the architecture-independent scan.
	Arch *Architecture

	// ByKind holds discovered modules per category, in discovery
	// order.
	ByKind map[ModuleKind][]*Module
}

// describedKinds are the JSON-described categories, enumerated once
// per provider; driverKinds are per (provider, architecture).
var (
	describedKinds = []ModuleKind{
		EGLICD, EGLExternalPlatform,
		VulkanICD, VulkanExplicitLayer, VulkanImplicitLayer,
	}
	driverKinds = []ModuleKind{DRIDriver, VAAPIDriver, VDPAUDriver}
)

// kinds returns the categories this Enumeration covers.
func (e *Enumeration) kinds() []ModuleKind {
	if e.Arch == nil {
		return describedKinds
	}
	return driverKinds
}

// fillKind scans one category into the cache.
func (e *Enumeration) fillKind(kind ModuleKind, logger *slog.Logger) {
	if e.Arch == nil {
		e.ByKind[kind] = enumerateDescribed(e.Provider, kind, logger)
	} else {
		e.ByKind[kind] = enumerateDrivers(e.Provider, *e.Arch, kind, logger)
	}
}

// enumerate performs the scan for one Enumeration synchronously,
// checking ctx between categories. Cancellation is cooperative only:
// a scan already inside a directory read finishes that read first.
func (e *Enumeration) enumerate(ctx context.Context, logger *slog.Logger) {
	if e.ByKind == nil {
		e.ByKind = make(map[ModuleKind][]*Module)
	}
	for _, kind := range e.kinds() {
		if ctx.Err() != nil {
			return
		}
		e.fillKind(kind, logger)
	}
}

// ensure fills any category a cancelled background scan did not reach.
// After ensure, the cache is complete regardless of how far the worker
// got, which is what makes cancel-then-join safe for the consumer.
func (e *Enumeration) ensure(logger *slog.Logger) {
	if e.ByKind == nil {
		e.ByKind = make(map[ModuleKind][]*Module)
	}
	for _, kind := range e.kinds() {
		if _, ok := e.ByKind[kind]; !ok {
			e.fillKind(kind, logger)
		}
	}
}

// worker owns one background enumeration: its private cache, its own
// cancellation token, and a done channel the orchestrator joins on.
type worker struct {
	result *Enumeration
	cancel context.CancelFunc
	done   chan struct{}
}

// startWorker begins an enumeration in the background.
func startWorker(ctx context.Context, e *Enumeration, logger *slog.Logger) *worker {
	workerCtx, cancel := context.WithCancel(ctx)
	w := &worker{result: e, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		e.enumerate(workerCtx, logger)
	}()
	return w
}

// join cancels the worker's token, waits for it to finish, and hands
// over the cache. After join returns the cache is owned by the caller
// and no goroutine touches it again. A worker interrupted midway
// reports whatever it completed; ensure fills the rest.
func (w *worker) join(logger *slog.Logger) *Enumeration {
	w.cancel()
	<-w.done
	w.result.ensure(logger)
	return w.result
}

// abandon cancels the worker and discards its token without waiting.
// Used when the container build is abandoned before the caches are
// needed.
func (w *worker) abandon() {
	w.cancel()
}

// Enumerator runs all enumerations for a set of providers, either on
// background workers or inline.
type Enumerator struct {
	workers []*worker
	results []*Enumeration
}

// StartEnumeration kicks off one worker per architecture per provider
// plus one per provider for the architecture-independent scan. With
// singleThread set, every scan runs synchronously instead and the
// result set is identical; the workers are an optimization, not a
// correctness requirement.
func StartEnumeration(ctx context.Context, providers []*Provider, arches []Architecture, singleThread bool, logger *slog.Logger) *Enumerator {
	e := &Enumerator{}
	for _, provider := range providers {
		pending := []*Enumeration{{Provider: provider}}
		for i := range arches {
			pending = append(pending, &Enumeration{Provider: provider, Arch: &arches[i]})
		}
		for _, enumeration := range pending {
			if singleThread {
				enumeration.enumerate(ctx, logger)
				e.results = append(e.results, enumeration)
			} else {
				e.workers = append(e.workers, startWorker(ctx, enumeration, logger))
			}
		}
	}
	return e
}

// collect joins every worker and returns all caches.
func (e *Enumerator) Collect(logger *slog.Logger) []*Enumeration {
	for _, w := range e.workers {
		e.results = append(e.results, w.join(logger))
	}
	e.workers = nil
	return e.results
}

// abandon cancels outstanding workers without collecting them.
func (e *Enumerator) Abandon() {
	for _, w := range e.workers {
		w.abandon()
	}
	e.workers = nil
}

// lookup returns the cache for (provider, arch tuple); arch "" means
// the architecture-independent cache.
func lookup(results []*Enumeration, provider *Provider, archTuple string) *Enumeration {
	for _, e := range results {
		if e.Provider != provider {
			continue
		}
		if archTuple == "" && e.Arch == nil {
			return e
		}
		if e.Arch != nil && e.Arch.Tuple == archTuple {
			return e
		}
	}
	return nil
}
