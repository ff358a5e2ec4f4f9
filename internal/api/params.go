package api

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var errStartAfterEnd = errors.New("'start' must be before 'end'")

// parseVehicleIDs merges every vehicleId parameter, splitting each value on
// commas. Blank entries are dropped.
func parseVehicleIDs(q url.Values) []string {
	var ids []string
	for _, raw := range q["vehicleId"] {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// parseInstant parses an optional ISO-8601 query value. ok is false when the
// parameter is absent.
func parseInstant(q url.Values, key string) (t time.Time, ok bool, err error) {
	raw := q.Get(key)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %q: expected an ISO-8601 instant", key)
	}
	return t, true, nil
}

// parsePositiveInt parses an optional positive integer query value; 0 means
// absent.
func parsePositiveInt(q url.Values, key string) (int64, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %q: expected a positive integer", key)
	}
	return n, nil
}

// parseSummaryRange resolves the summary window. Explicit start/end win;
// durationSeconds anchors [now-d, now] when start is absent; the default is
// the last hour.
func parseSummaryRange(q url.Values, now time.Time) (start, end time.Time, err error) {
	end = now
	if t, ok, perr := parseInstant(q, "end"); perr != nil {
		return time.Time{}, time.Time{}, perr
	} else if ok {
		end = t
	}

	duration, err := parsePositiveInt(q, "durationSeconds")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if t, ok, perr := parseInstant(q, "start"); perr != nil {
		return time.Time{}, time.Time{}, perr
	} else if ok {
		start = t
	} else if duration > 0 {
		start = end.Add(-time.Duration(duration) * time.Second)
	} else {
		start = end.Add(-time.Hour)
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, errStartAfterEnd
	}
	return start, end, nil
}

// parseHistoryRange parses the optional start/end bounds of a history query.
// Either bound may be absent; when both are present start must precede end.
func parseHistoryRange(q url.Values) (start, end time.Time, err error) {
	start, hasStart, err := parseInstant(q, "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, hasEnd, err := parseInstant(q, "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if hasStart && hasEnd && !start.Before(end) {
		return time.Time{}, time.Time{}, errStartAfterEnd
	}
	return start, end, nil
}
