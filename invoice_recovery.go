/*
Copyright 2024 Stampd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stampd

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampdhq/stampd/config"
	"github.com/stampdhq/stampd/model"
)

// StuckInvoiceRecoveryProcessor periodically re-enqueues invoices that have
// sat in QUEUED or PROCESSING past the stuck threshold. It closes the gap
// left by a crash between persisting an invoice and enqueuing its job, and
// by queue entries lost to a Redis flush. Re-enqueuing a live invoice is
// harmless: the task ID dedupe and the terminal-status guards make the
// extra delivery a no-op.
type StuckInvoiceRecoveryProcessor struct {
	stampd         *Stampd
	batchSize      int
	maxWorkers     int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewStuckInvoiceRecoveryProcessor(s *Stampd) *StuckInvoiceRecoveryProcessor {
	return &StuckInvoiceRecoveryProcessor{
		stampd:         s,
		batchSize:      500,
		maxWorkers:     5,
		pollInterval:   30 * time.Second,
		stuckThreshold: 15 * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

func (p *StuckInvoiceRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Stuck invoice recovery processor started")
}

func (p *StuckInvoiceRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Stuck invoice recovery processor stopped")
}

func (p *StuckInvoiceRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *StuckInvoiceRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Stuck invoice recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Stuck invoice recovery processor stop signal received")
			return
		case <-ticker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		}
	}
}

// RecoverStuckInvoices triggers an immediate recovery pass using the
// provided threshold. Exposed for the manual trigger API endpoint.
func (s *Stampd) RecoverStuckInvoices(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < 2*time.Minute {
		threshold = 2 * time.Minute
	}

	processor := NewStuckInvoiceRecoveryProcessor(s)
	return processor.recoverWithThreshold(ctx, threshold), nil
}

func (p *StuckInvoiceRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	stuck, err := p.stampd.datasource.GetStuckInvoices(ctx, threshold, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck invoices: %v", err)
		return 0
	}

	if len(stuck) == 0 {
		return 0
	}

	logrus.Infof("Re-enqueuing %d stuck invoices with %d workers (threshold=%v)", len(stuck), p.maxWorkers, threshold)

	cfg, err := config.Fetch()
	if err != nil {
		logrus.Errorf("failed to fetch config for stuck invoice recovery: %v", err)
		return 0
	}

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for _, inv := range stuck {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(inv *model.Invoice) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if _, err := p.stampd.queue.Enqueue(ctx, JobInvoiceSync, inv.InvoiceID, inv.InvoiceID, DefaultJobPolicy(cfg)); err != nil {
				logrus.Errorf("failed to re-enqueue stuck invoice %s: %v", inv.InvoiceID, err)
			}
		}(inv)
	}

	batchWg.Wait()
	return len(stuck)
}
