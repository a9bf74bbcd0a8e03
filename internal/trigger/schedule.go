package trigger

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Parse reads a human schedule string:
//
//	"0 */5 * * * ?", "@hourly"  cron (any whitespace or a leading @)
//	"90s", "2h30m"              periodic, first fire one period out
//	"01:30"                     periodic every 1h30m
//
// "cron:" and "every:" prefixes force the kind.
func Parse(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, errors.New("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return Cron(s[len("cron:"):])
	case strings.HasPrefix(low, "every:"):
		d, err := parseEvery(s[len("every:"):])
		if err != nil {
			return Trigger{}, err
		}
		return Periodic(d, false), nil
	case strings.HasPrefix(s, "@"), strings.ContainsAny(s, " \t"):
		return Cron(s)
	}
	d, err := parseEvery(s)
	if err != nil {
		return Trigger{}, errors.Wrapf(err, "invalid schedule %q", raw)
	}
	return Periodic(d, false), nil
}

func parseEvery(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	if hh, mm, ok := strings.Cut(s, ":"); ok {
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if herr != nil || merr != nil || len(mm) != 2 || h < 0 || m < 0 || m > 59 {
			return 0, errors.Newf("bad HH:MM interval %q", s)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, errors.Newf("bad interval %q", s)
		}
	}
	if d <= 0 {
		return 0, errors.Newf("interval %q must be positive", s)
	}
	return d, nil
}
