// Package reveal models the client side of the credential reveal: a page
// starts LOCKED, asks for a code (OTP_PENDING), and shows credentials once
// the server accepts the code (UNLOCKED). Nothing is persisted, so leaving
// the page locks it again.
package reveal

import (
	"errors"
	"time"
)

type State string

const (
	Locked   State = "LOCKED"
	Pending  State = "OTP_PENDING"
	Unlocked State = "UNLOCKED"
)

const (
	CodeLength     = 6
	ResendCooldown = 60 * time.Second
)

var (
	ErrNotLocked  = errors.New("gate is not locked")
	ErrNotPending = errors.New("no code is pending")
	ErrResendWait = errors.New("resend is not available yet")
)

// Gate holds one page's reveal state. It is not safe for concurrent use.
type Gate struct {
	state     State
	digits    [CodeLength]byte
	focus     int
	sentAt    time.Time
	expiresAt time.Time
	errMsg    string
	cooldown  time.Duration
}

func New() *Gate {
	return &Gate{state: Locked, cooldown: ResendCooldown}
}

func (g *Gate) State() State  { return g.state }
func (g *Gate) Focus() int    { return g.focus }
func (g *Gate) Error() string { return g.errMsg }

// Unlock records that a code was sent at now and is valid for expiresIn.
func (g *Gate) Unlock(now time.Time, expiresIn time.Duration) error {
	if g.state != Locked {
		return ErrNotLocked
	}
	g.state = Pending
	g.issue(now, expiresIn)
	return nil
}

func (g *Gate) issue(now time.Time, expiresIn time.Duration) {
	g.sentAt = now
	g.expiresAt = now.Add(expiresIn)
	g.errMsg = ""
	g.clearDigits()
}

func (g *Gate) clearDigits() {
	g.digits = [CodeLength]byte{}
	g.focus = 0
}

// Cancel abandons a pending code and returns to LOCKED.
func (g *Gate) Cancel() {
	if g.state == Pending {
		g.reset()
	}
}

// Leave models navigating away: any state returns to LOCKED.
func (g *Gate) Leave() {
	g.reset()
}

func (g *Gate) reset() {
	g.state = Locked
	g.sentAt = time.Time{}
	g.expiresAt = time.Time{}
	g.errMsg = ""
	g.clearDigits()
}

// Input places ch in box i and returns the box that should take focus next.
// Non-digits are ignored and leave focus where it was.
func (g *Gate) Input(i int, ch rune) int {
	if g.state != Pending || i < 0 || i >= CodeLength {
		return g.focus
	}
	if ch < '0' || ch > '9' {
		g.focus = i
		return g.focus
	}
	g.digits[i] = byte(ch)
	g.errMsg = ""
	g.focus = min(i+1, CodeLength-1)
	return g.focus
}

// Paste replaces the boxes with the digits of s, starting from the first
// one. Other characters are dropped; a paste with no digits changes nothing.
func (g *Gate) Paste(s string) int {
	if g.state != Pending {
		return g.focus
	}
	var pasted []byte
	for _, r := range s {
		if len(pasted) == CodeLength {
			break
		}
		if r >= '0' && r <= '9' {
			pasted = append(pasted, byte(r))
		}
	}
	if len(pasted) == 0 {
		return g.focus
	}
	g.clearDigits()
	copy(g.digits[:], pasted)
	g.errMsg = ""
	g.focus = min(len(pasted), CodeLength-1)
	return g.focus
}

// Backspace clears box i, or the previous box when i is already empty.
func (g *Gate) Backspace(i int) int {
	if g.state != Pending || i < 0 || i >= CodeLength {
		return g.focus
	}
	if g.digits[i] == 0 && i > 0 {
		i--
	}
	g.digits[i] = 0
	g.focus = i
	return g.focus
}

// Code returns the entered digits, empty boxes omitted.
func (g *Gate) Code() string {
	buf := make([]byte, 0, CodeLength)
	for _, d := range g.digits {
		if d != 0 {
			buf = append(buf, d)
		}
	}
	return string(buf)
}

func (g *Gate) complete() bool {
	for _, d := range g.digits {
		if d == 0 {
			return false
		}
	}
	return true
}

// Expired reports whether the pending code's countdown has reached zero.
func (g *Gate) Expired(now time.Time) bool {
	return g.state == Pending && !now.Before(g.expiresAt)
}

// Remaining is the countdown shown next to the inputs.
func (g *Gate) Remaining(now time.Time) time.Duration {
	if g.state != Pending {
		return 0
	}
	return max(g.expiresAt.Sub(now), 0)
}

// CanVerify is true only with all six boxes filled before expiry.
func (g *Gate) CanVerify(now time.Time) bool {
	return g.state == Pending && g.complete() && !g.Expired(now)
}

// VerifyFailed keeps the gate pending, clears the boxes for re-entry and
// shows msg.
func (g *Gate) VerifyFailed(msg string) {
	if g.state != Pending {
		return
	}
	g.errMsg = msg
	g.clearDigits()
}

// Verified moves a pending gate to UNLOCKED.
func (g *Gate) Verified() error {
	if g.state != Pending {
		return ErrNotPending
	}
	g.state = Unlocked
	g.errMsg = ""
	g.clearDigits()
	return nil
}

func (g *Gate) CanResend(now time.Time) bool {
	return g.state == Pending && g.ResendIn(now) == 0
}

// ResendIn is how long until another code may be requested.
func (g *Gate) ResendIn(now time.Time) time.Duration {
	if g.state != Pending {
		return 0
	}
	return max(g.sentAt.Add(g.cooldown).Sub(now), 0)
}

// Resent records a fresh code, restarting both the expiry countdown and the
// resend cooldown.
func (g *Gate) Resent(now time.Time, expiresIn time.Duration) error {
	if g.state != Pending {
		return ErrNotPending
	}
	if !g.CanResend(now) {
		return ErrResendWait
	}
	g.issue(now, expiresIn)
	return nil
}
