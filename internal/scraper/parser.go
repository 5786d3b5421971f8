package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/yegors/windburglr/internal/config"
	"github.com/yegors/windburglr/internal/timefmt"
	"github.com/yegors/windburglr/internal/wind"
)

// ParseError is returned when a payload cannot be turned into an observation
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse error: %v", e.Err)
	}
	return fmt.Sprintf("parse error in %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser converts raw station payloads into observations
type Parser struct {
	station string
	paths   struct{ direction, speed, gust, timestamp string }
	format  string
	loc     *time.Location
}

// NewParser prepares a parser for one station. The timestamp format and
// source timezone are resolved here so a bad config fails before polling.
func NewParser(st config.StationConfig) (*Parser, error) {
	format := st.TimestampFormat
	if format == "" {
		format = config.DefaultTimestampFormat
	}
	if _, err := timefmt.Layout(format); err != nil {
		return nil, fmt.Errorf("station %s: %w", st.Name, err)
	}

	tz := st.SourceTimezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("station %s: invalid timezone %q: %w", st.Name, tz, err)
	}

	p := &Parser{station: st.Name, format: format, loc: loc}
	p.paths.direction = orDefault(st.DirectionPath, "direction")
	p.paths.speed = orDefault(st.SpeedPath, "speed")
	p.paths.gust = orDefault(st.GustPath, "gust")
	p.paths.timestamp = orDefault(st.TimestampPath, "timestamp")
	return p, nil
}

// Parse decodes payload and extracts a normalized observation.
// The timestamp is interpreted in the station's source timezone and the
// result is always UTC.
func (p *Parser) Parse(payload []byte) (wind.Observation, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return wind.Observation{}, &ParseError{Err: fmt.Errorf("invalid JSON: %w", err)}
	}

	obs := wind.Observation{Station: p.station}

	rawTime, err := Extract(doc, p.paths.timestamp)
	if err != nil {
		return wind.Observation{}, &ParseError{Field: "timestamp", Err: err}
	}
	observedAt, err := p.parseTime(rawTime)
	if err != nil {
		return wind.Observation{}, &ParseError{Field: "timestamp", Err: err}
	}
	obs.ObservedAt = wind.NormalizeTime(observedAt)

	fields := []struct {
		name string
		path string
		dst  **float64
	}{
		{"direction", p.paths.direction, &obs.Direction},
		{"speed", p.paths.speed, &obs.Speed},
		{"gust", p.paths.gust, &obs.Gust},
	}
	for _, f := range fields {
		raw, err := Extract(doc, f.path)
		if err != nil {
			return wind.Observation{}, &ParseError{Field: f.name, Err: err}
		}
		v, err := parseValue(raw)
		if err != nil {
			return wind.Observation{}, &ParseError{Field: f.name, Err: err}
		}
		*f.dst = v
	}

	return obs, nil
}

func (p *Parser) parseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		return timefmt.Parse(p.format, v, p.loc)
	case json.Number:
		// Numeric timestamps are unix epoch seconds
		sec, err := v.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return wind.FromEpochSeconds(sec), nil
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

// parseValue coerces a wind value. Empty strings, "?", "--" and null mean
// no reading; "CALM" means zero.
func parseValue(raw any) (*float64, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return checkFinite(f)
	case float64:
		return checkFinite(v)
	case string:
		s := strings.TrimSpace(v)
		switch strings.ToUpper(s) {
		case "", "?", "--":
			return nil, nil
		case "CALM":
			return wind.Float(0), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", v)
		}
		return checkFinite(f)
	default:
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}
}

func checkFinite(f float64) (*float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("value is not finite")
	}
	return wind.Float(f), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
