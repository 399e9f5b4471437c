package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyBuiltins(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"deadline", context.DeadlineExceeded, Timeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, Timeout},
		{"conn reset", syscall.ECONNRESET, Network},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), Network},
		{"parse message", errors.New("failed to parse job card"), Parse},
		{"anything else", errors.New("wat"), Unknown},
		{"nil", nil, Unknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: Classify() = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestClassifyHooksTakePrecedence(t *testing.T) {
	hook := func(err error) (Category, bool) {
		if err.Error() == "please verify you are human" {
			return Challenge, true
		}
		return "", false
	}

	if got := Classify(errors.New("please verify you are human"), hook); got != Challenge {
		t.Errorf("Classify with hook = %s, want challenge", got)
	}
	if got := Classify(errors.New("other"), hook); got != Unknown {
		t.Errorf("unmatched hook should fall through, got %s", got)
	}
}

func TestClassifyExistingFault(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(Blocked, "account restricted"))
	if got := Classify(err); got != Blocked {
		t.Errorf("Classify(wrapped fault) = %s, want blocked", got)
	}
}

func TestFromPreservesFault(t *testing.T) {
	orig := New(RateLimit, "429 from upstream")
	if got := From(fmt.Errorf("call failed: %w", orig)); got != orig {
		t.Errorf("From should return the original fault, got %+v", got)
	}

	flt := From(errors.New("connection reset by peer machine"))
	if flt.Category != Unknown {
		t.Errorf("From(plain error) category = %s, want unknown", flt.Category)
	}
	if flt.Message == "" {
		t.Error("From should carry the error message")
	}
}

func TestFaultIsError(t *testing.T) {
	var err error = New(Network, "dial tcp: refused")
	var flt *Fault
	if !errors.As(err, &flt) {
		t.Fatal("fault should satisfy errors.As")
	}
	if err.Error() != "network: dial tcp: refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestStrategyMapping(t *testing.T) {
	tests := []struct {
		cat  Category
		want Strategy
	}{
		{RateLimit, WaitAndRetry},
		{Challenge, AbortSession},
		{Blocked, AbortSession},
		{Network, RetryWithBackoff},
		{Timeout, RetryWithBackoff},
		{Parse, SkipAndContinue},
		{Unknown, RetryWithBackoff},
	}
	for _, tt := range tests {
		if got := StrategyFor(tt.cat); got != tt.want {
			t.Errorf("StrategyFor(%s) = %s, want %s", tt.cat, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	for _, cat := range []Category{Challenge, Blocked} {
		if Retryable(cat) {
			t.Errorf("Retryable(%s) = true, want false", cat)
		}
	}
	for _, cat := range []Category{RateLimit, Network, Timeout, Parse, Unknown} {
		if !Retryable(cat) {
			t.Errorf("Retryable(%s) = false, want true", cat)
		}
	}
}

func TestSeverityGrades(t *testing.T) {
	if SeverityFor(Blocked) != SeverityCritical {
		t.Error("blocked should be critical")
	}
	if SeverityFor(Challenge) != SeverityHigh {
		t.Error("challenge should be high")
	}
	if SeverityFor(Parse) != SeverityLow {
		t.Error("parse should be low")
	}
}

// Classification must complete quickly even for deeply wrapped chains.
func TestClassifyDeepWrap(t *testing.T) {
	err := error(syscall.ECONNRESET)
	for i := 0; i < 50; i++ {
		err = fmt.Errorf("layer %d: %w", i, err)
	}

	start := time.Now()
	if got := Classify(err); got != Network {
		t.Errorf("Classify(deep wrap) = %s, want network", got)
	}
	if time.Since(start) > time.Second {
		t.Error("classification took unreasonably long")
	}
}
