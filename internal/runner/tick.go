package runner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TickSpec is the parsed form of runner.tick.
//
// Accepted forms:
//   - cron: "*/1 * * * *", "@every 30s", "@hourly" (optional "cron:" prefix)
//   - Go duration: "30s", "2m"
//   - HH:MM interval: "00:05" (five minutes)
type TickSpec struct {
	Cron   string        // normalized expression handed to cron
	Every  time.Duration // set for interval forms
	Source string        // "cron" | "duration" | "hhmm"
}

const DefaultTick = "@every 30s"

var reTickHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// tickParser accepts 5- and 6-field expressions plus descriptors.
var tickParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTick parses and validates raw. Empty selects DefaultTick.
func ParseTick(raw string) (TickSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = DefaultTick
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronTick(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return intervalTick(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return cronTick(s)
	default:
		return intervalTick(s)
	}
}

func cronTick(expr string) (TickSpec, error) {
	if expr == "" {
		return TickSpec{}, fmt.Errorf("tick: cron expression required")
	}
	if _, err := tickParser.Parse(expr); err != nil {
		return TickSpec{}, fmt.Errorf("tick: invalid cron %q: %w", expr, err)
	}
	return TickSpec{Cron: expr, Source: "cron"}, nil
}

func intervalTick(v string) (TickSpec, error) {
	if m := reTickHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return TickSpec{}, fmt.Errorf("tick: invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return TickSpec{}, fmt.Errorf("tick: interval must be > 0")
		}
		return TickSpec{Cron: "@every " + d.String(), Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return TickSpec{}, fmt.Errorf("tick: invalid %q (use cron like '*/1 * * * *', HH:MM like '00:05', or duration like '30s')", v)
	}
	if d < time.Second {
		return TickSpec{}, fmt.Errorf("tick: interval must be >= 1s")
	}
	return TickSpec{Cron: "@every " + d.String(), Every: d, Source: "duration"}, nil
}
