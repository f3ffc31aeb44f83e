// Package classifier turns the page state after a submit attempt into one
// of a fixed set of outcomes. The target form has no structured response
// contract, so everything is heuristic: URL path fragments and free-text
// pattern matching over the rendered page, in a strict priority order.
package classifier

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/model"
	"github.com/ozmeal/catering-agent/internal/page"
)

// Timing for the await loop. The first attempt after navigation gets the
// generous cold window; immediate in-page retries run against a warm page
// and use the short one.
const (
	ColdTimeout  = 10 * time.Second
	WarmTimeout  = 5 * time.Second
	PollInterval = 500 * time.Millisecond
)

// Verdict is a classified page state. For AlreadyReserved the verdict is
// normalized to Success=true with a canonical message; the historical dual
// encoding (success:false with recognizable text) is never produced.
type Verdict struct {
	Outcome model.Outcome
	Success bool
	Message string
}

// AlreadyReservedMessage is the canonical message for the benign
// already-applied-today outcome. The dedupe path matches on it.
const AlreadyReservedMessage = "already reserved today"

// Pattern tables, carried over verbatim from the deployed matcher: the
// site renders Korean, and several English markers showed up in practice.
var (
	alreadyReservedPatterns = compile(
		`이미.*예약`, `이미.*신청`, `중복`,
		`already`, `duplicate`,
		`예약.*있습니다`, `신청.*있습니다`,
	)

	successPatterns = compile(
		`신청이 완료되었습니다`, `신청.*완료.*되었습니다`,
		`예약.*성공`, `신청.*완료`, `예약.*완료`, `신청.*성공`,
		`완료되었습니다`, `신청되었습니다`, `예약되었습니다`,
		`success`, `application completed`, `reservation complete`,
	)

	noCapacityPatterns = compile(
		`자리.*없`, `마감`, `만원`,
		`full`, `sold.*out`, `no seats`,
		`예약.*불가`, `신청.*불가`, `남음.*0`, `0.*남음`,
	)

	failurePatterns = compile(
		`예약.*실패`, `신청.*실패`, `오류`, `에러`, `불가능`, `불가`,
		`error`, `failed`,
	)

	successURLFragments = []string{"/my/", "/success", "/complete"}
	failureURLFragments = []string{"/error", "/fail"}
)

func compile(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(`(?i)` + p)
	}
	return compiled
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Classify inspects one snapshot. OutcomeUnknown means nothing matched yet
// and the caller should keep polling.
//
// Priority when several tables match: AlreadyReserved beats Success beats
// NoCapacity beats Failure. A post-submit page congratulating the user
// while mentioning the existing reservation must dedupe, not double-book.
func Classify(snap page.Snapshot) Verdict {
	for _, fragment := range successURLFragments {
		if strings.Contains(snap.URL, fragment) {
			return Verdict{Outcome: model.OutcomeSuccess, Success: true, Message: "reservation succeeded (url)"}
		}
	}
	for _, fragment := range failureURLFragments {
		if strings.Contains(snap.URL, fragment) {
			return Verdict{Outcome: model.OutcomeFailure, Success: false, Message: "reservation failed (url)"}
		}
	}

	if matchAny(alreadyReservedPatterns, snap.Text) {
		return Verdict{Outcome: model.OutcomeAlreadyReserved, Success: true, Message: AlreadyReservedMessage}
	}
	if matchAny(successPatterns, snap.Text) {
		return Verdict{Outcome: model.OutcomeSuccess, Success: true, Message: "reservation succeeded"}
	}
	if matchAny(noCapacityPatterns, snap.Text) {
		return Verdict{Outcome: model.OutcomeNoCapacity, Success: false, Message: "no seats remaining"}
	}
	if matchAny(failurePatterns, snap.Text) {
		return Verdict{Outcome: model.OutcomeFailure, Success: false, Message: "reservation failed"}
	}

	// Form and submit affordance gone, page carrying real content: the
	// site moved on without any recognizable message.
	if !snap.HasForm && !hasSubmitButton(snap.Buttons) && len(snap.Text) > 100 {
		return Verdict{Outcome: model.OutcomeSuccess, Success: true, Message: "reservation complete (page changed)"}
	}

	return Verdict{Outcome: model.OutcomeUnknown}
}

func hasSubmitButton(buttons []page.Button) bool {
	for _, b := range buttons {
		if b.Type == "submit" {
			return true
		}
	}
	return false
}

// Classifier runs the await loop against a live page.
type Classifier struct {
	logger *zap.Logger
}

// New creates a Classifier.
func New(logger *zap.Logger) *Classifier {
	return &Classifier{logger: logger.Named("classifier")}
}

// Await polls the page until Classify reaches a terminal verdict or the
// window expires. It races the page's change notifications against a
// periodic poll; either trigger re-snapshots and re-classifies. Expiry
// resolves to OutcomeTimedOut, never a hang.
func (c *Classifier) Await(ctx context.Context, p page.Page, timeout time.Duration) Verdict {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	check := func() (Verdict, bool) {
		snap, err := p.Snapshot(ctx)
		if err != nil {
			c.logger.Warn("Snapshot failed during await", zap.Error(err))
			return Verdict{}, false
		}
		verdict := Classify(snap)
		if verdict.Outcome.Terminal() {
			c.logger.Info("Outcome classified",
				zap.String("outcome", string(verdict.Outcome)),
				zap.String("url", snap.URL))
			return verdict, true
		}
		return Verdict{}, false
	}

	if verdict, done := check(); done {
		return verdict
	}

	for {
		select {
		case <-ctx.Done():
			return Verdict{Outcome: model.OutcomeFailure, Success: false, Message: "run canceled while awaiting result"}
		case <-deadline.C:
			c.logger.Warn("Timed out waiting for a classifiable page state",
				zap.Duration("timeout", timeout))
			return Verdict{Outcome: model.OutcomeTimedOut, Success: false, Message: "timed out waiting for reservation result"}
		case _, ok := <-p.Changes():
			if !ok {
				return Verdict{Outcome: model.OutcomeFailure, Success: false, Message: "page closed while awaiting result"}
			}
			if verdict, done := check(); done {
				return verdict
			}
		case <-ticker.C:
			if verdict, done := check(); done {
				return verdict
			}
		}
	}
}
