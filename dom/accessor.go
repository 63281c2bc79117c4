package dom

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
)

const (
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultScrollInterval = 800 * time.Millisecond
	DefaultScrollCeiling  = 5 * time.Minute

	// stable cycle counts before scroll loading gives up
	stableCycles      = 3
	stableCyclesLarge = 6
	largeBatch        = 200
	overshoot         = 10
)

// Accessor resolves selector keys on one document. Lookups never fail: a
// selector error is treated as "no match".
type Accessor struct {
	doc       Document
	selectors SelectorSource
	reporter  Reporter

	PollInterval   time.Duration
	ScrollInterval time.Duration
	ScrollCeiling  time.Duration
}

func NewAccessor(doc Document, selectors SelectorSource, reporter Reporter) *Accessor {
	return &Accessor{
		doc:            doc,
		selectors:      selectors,
		reporter:       reporter,
		PollInterval:   DefaultPollInterval,
		ScrollInterval: DefaultScrollInterval,
		ScrollCeiling:  DefaultScrollCeiling,
	}
}

func (a *Accessor) Document() Document { return a.doc }

func (a *Accessor) scope(root Scope) Scope {
	if root == nil {
		return a.doc
	}
	return root
}

// FindElement tries each candidate selector for key in order and returns the
// first match, or nil.
func (a *Accessor) FindElement(key string, root Scope) Element {
	for _, sel := range a.selectors.Candidates(key) {
		els, err := a.scope(root).Query(sel)
		if err != nil {
			logrus.WithError(err).WithField("selector", sel).Debug("selector query failed")
			continue
		}
		if len(els) > 0 {
			return els[0]
		}
	}
	return nil
}

// FindAll runs one union query over every candidate selector for key.
func (a *Accessor) FindAll(key string, root Scope) []Element {
	candidates := a.selectors.Candidates(key)
	if len(candidates) == 0 {
		return nil
	}
	els, err := a.scope(root).Query(strings.Join(candidates, ", "))
	if err != nil {
		logrus.WithError(err).WithField("key", key).Debug("union query failed")
		return nil
	}
	return els
}

// FindByText returns the first element of FindAll(key) whose trimmed text
// contains text.
func (a *Accessor) FindByText(key, text string, caseSensitive bool) Element {
	needle := strings.TrimSpace(text)
	if !caseSensitive {
		needle = strings.ToLower(needle)
	}
	for _, el := range a.FindAll(key, nil) {
		got, err := el.Text()
		if err != nil {
			continue
		}
		got = strings.TrimSpace(got)
		if !caseSensitive {
			got = strings.ToLower(got)
		}
		if strings.Contains(got, needle) {
			return el
		}
	}
	return nil
}

// WaitForElement polls for key until it matches or timeout elapses. On
// timeout one SELECTOR_TIMEOUT diagnostic is broadcast and nil is returned.
// A cancelled ctx also yields nil, without the diagnostic.
func (a *Accessor) WaitForElement(ctx context.Context, key string, timeout time.Duration) Element {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		if el := a.FindElement(key, nil); el != nil {
			return el
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	logrus.WithFields(logrus.Fields{"key": key, "timeout": timeout}).Warn("selector wait timed out")
	if a.reporter != nil {
		a.reporter.Broadcast(messaging.TypeSelectorTimeout, messaging.SelectorTimeoutEvent{
			Key:       key,
			TimeoutMs: timeout.Milliseconds(),
			URL:       a.doc.URL(),
		})
	}
	return nil
}

// Click waits for key and clicks it.
func (a *Accessor) Click(ctx context.Context, key string, timeout time.Duration) bool {
	el := a.WaitForElement(ctx, key, timeout)
	if el == nil {
		return false
	}
	if err := el.Click(); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("click failed")
		return false
	}
	return true
}

// ProgressFunc receives the loaded item count; final is set exactly once, on
// the last call.
type ProgressFunc func(count int, final bool)

// AutoScrollToBottom keeps scrolling until the items matched by itemsKey stop
// growing, maxItems+10 are loaded or the scroll ceiling passes. It returns
// the final count. maxItems <= 0 means no item cap.
func (a *Accessor) AutoScrollToBottom(ctx context.Context, itemsKey string, maxItems int, onProgress ProgressFunc) int {
	threshold := stableCycles
	if maxItems > largeBatch {
		threshold = stableCyclesLarge
	}
	deadline := time.Now().Add(a.ScrollCeiling)
	ticker := time.NewTicker(a.ScrollInterval)
	defer ticker.Stop()

	report := func(count int, final bool) {
		if onProgress != nil {
			onProgress(count, final)
		}
	}

	count, lastHeight, stable := -1, -1, 0
	for {
		jitter := 50 + rand.Intn(100)
		if err := a.doc.ScrollBy(-jitter); err != nil {
			logrus.WithError(err).Debug("scroll jitter failed")
		}
		if err := a.doc.ScrollToBottom(); err != nil {
			logrus.WithError(err).Debug("scroll to bottom failed")
		}

		select {
		case <-ctx.Done():
			report(max(count, 0), true)
			return max(count, 0)
		case <-ticker.C:
		}

		n := len(a.FindAll(itemsKey, nil))
		height, err := a.doc.ScrollHeight()
		if err != nil {
			height = lastHeight
		}

		switch {
		case count < 0 || n > count:
			report(n, false)
			stable = 0
		case n == count && height == lastHeight:
			stable++
		default:
			stable = 0
		}
		count, lastHeight = n, height

		if maxItems > 0 && count >= maxItems+overshoot {
			logrus.WithField("count", count).Debug("scroll loading reached item cap")
			break
		}
		if stable >= threshold {
			break
		}
		if !time.Now().Before(deadline) {
			logrus.WithField("count", count).Warn("scroll loading hit the absolute ceiling")
			break
		}
	}

	report(count, true)
	return count
}

// PressEscape dispatches an Escape key press to the page.
func (a *Accessor) PressEscape() bool {
	if err := a.doc.PressEscape(); err != nil {
		logrus.WithError(err).Debug("escape dispatch failed")
		return false
	}
	return true
}

// Text returns the trimmed text of the first match for key under root.
func (a *Accessor) Text(key string, root Scope) string {
	el := a.FindElement(key, root)
	if el == nil {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
