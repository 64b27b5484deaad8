// Package token derives the rotating check-in token shown on kiosk QR codes.
//
// A token is "secure-<n>" where n is the index of the fixed-size time window
// containing the current instant. Validation accepts a small asymmetric band
// of windows around the current one.
package token

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const prefix = "secure-"

var ErrMalformed = errors.New("malformed token")

// Index returns floor(now / window) in seconds.
func Index(now time.Time, window time.Duration) int64 {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	unix := now.Unix()
	idx := unix / seconds
	if unix < 0 && unix%seconds != 0 {
		idx--
	}
	return idx
}

func Current(now time.Time, window time.Duration) string {
	return Format(Index(now, window))
}

func Format(index int64) string {
	return prefix + strconv.FormatInt(index, 10)
}

func Parse(token string) (int64, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(token), prefix)
	if !ok || raw == "" {
		return 0, ErrMalformed
	}
	idx, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	return idx, nil
}

// IsValid accepts token when its index lies in [current-past, current+future].
func IsValid(token string, now time.Time, window time.Duration, past, future int) bool {
	idx, err := Parse(token)
	if err != nil {
		return false
	}
	current := Index(now, window)
	return idx >= current-int64(past) && idx <= current+int64(future)
}

// ExpiresIn is the time left before the current token rotates.
func ExpiresIn(now time.Time, window time.Duration) time.Duration {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	next := time.Unix((Index(now, window)+1)*seconds, 0)
	return next.Sub(now)
}

// CheckInURL builds the URL encoded into the kiosk QR code.
func CheckInURL(base, token, locationID string) string {
	query := url.Values{}
	query.Set("token", token)
	query.Set("locationId", locationID)
	return strings.TrimRight(base, "/") + "/check-in?" + query.Encode()
}
