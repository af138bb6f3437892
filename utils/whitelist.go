package utils

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/forgeci/hookhub/stats"
)

const whitelistTimeout = 2 * time.Second

type whitelistResult struct {
	matched bool
	err     error
}

// Whitelisted reports whether the ref name is allowed by the pattern
// list. A pattern is a literal ref name, or a regular expression when
// wrapped in slashes. An empty list allows everything.
//
// Evaluation runs under a timeout; on timeout the ref is ALLOWED and a
// counter records the bypass (a pathological pattern must not stall
// every pipeline). A malformed regex denies. This asymmetry is
// inherited behavior, kept as observed.
func Whitelisted(ref string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}

	done := make(chan whitelistResult, 1)
	go func() {
		done <- matchWhitelist(ref, whitelist)
	}()

	select {
	case result := <-done:
		if result.err != nil {
			slog.Info("whitelist regexp error", "ref", ref, "error", result.err)
			stats.Incr("hook.processing.whitelist_regexp_error", nil)
			return false
		}
		if !result.matched {
			stats.Incr("hook.processing.whitelist_block", map[string]string{"ref": ref})
		}
		return result.matched
	case <-time.After(whitelistTimeout):
		slog.Info("whitelist timeout error", "ref", ref)
		stats.Incr("hook.processing.whitelist_timeout", nil)
		return true
	}
}

func matchWhitelist(ref string, whitelist []string) whitelistResult {
	for _, pattern := range whitelist {
		if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
			re, err := regexp.Compile(pattern[1 : len(pattern)-1])
			if err != nil {
				return whitelistResult{err: err}
			}
			if re.MatchString(ref) {
				return whitelistResult{matched: true}
			}
		} else if ref == pattern {
			return whitelistResult{matched: true}
		}
	}
	return whitelistResult{matched: false}
}
