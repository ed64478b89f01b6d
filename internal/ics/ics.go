// Package ics assembles RFC-5545 iCalendar documents from match lists
// (§4.G). Octet-based line folding and VTIMEZONE emission are intrinsic to
// the calendar format itself; no dependency in the wider example pack
// understands this wire format, so this package leans on time/strings
// from the standard library directly rather than force-fitting an
// unrelated pack dependency (documented in the project's design notes).
package ics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/albapepper/hoopcal/internal/store"
)

// Mode selects the fan or player calendar variant (§4.G, §6).
type Mode string

const (
	ModeFan    Mode = "fan"
	ModePlayer Mode = "player"
)

const defaultDurationMinutes = 120

// Options configures one Generate call.
type Options struct {
	AppTitle         string // identifies this application in PRODID and X-WR-CALNAME
	HostIdentifier   string // UID suffix, "{match.id}@{HostIdentifier}"
	CompetitionLabel string // optional, shown in X-WR-CALNAME
	TeamLabel        string // optional, shown in X-WR-CALNAME

	Mode        Mode
	PrepMinutes int    // 0-240, only meaningful when Mode == ModePlayer
	TimeZone    string // IANA zone id; empty means emit Zulu times
}

// Generate renders matches as a complete VCALENDAR document. Events are
// emitted sorted by date, then by match id, whatever the input order.
func Generate(matches []store.Match, opts Options) (string, error) {
	var loc *time.Location
	if opts.TimeZone != "" {
		var err error
		loc, err = time.LoadLocation(opts.TimeZone)
		if err != nil {
			return "", fmt.Errorf("load time zone %q: %w", opts.TimeZone, err)
		}
	}

	var lines []string
	add := func(format string, args ...interface{}) {
		lines = append(lines, fold(fmt.Sprintf(format, args...)))
	}

	add("BEGIN:VCALENDAR")
	add("PRODID:-//%s//Basketball Calendar//EN", escapeText(nonEmpty(opts.AppTitle, "hoopcal")))
	add("VERSION:2.0")
	add("CALSCALE:GREGORIAN")
	add("METHOD:PUBLISH")
	add("X-WR-CALNAME:%s", escapeText(calendarName(opts)))

	if loc != nil {
		referenceYear := time.Now().UTC().Year()
		if len(matches) > 0 {
			referenceYear = matches[0].Date.Year()
		}
		tzLines, err := vTimezoneLines(opts.TimeZone, loc, referenceYear)
		if err != nil {
			return "", err
		}
		for _, l := range tzLines {
			lines = append(lines, fold(l))
		}
	}

	sorted := make([]store.Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})

	now := time.Now().UTC()
	for _, m := range sorted {
		eventLines, err := renderEvent(m, opts, loc, now)
		if err != nil {
			return "", err
		}
		lines = append(lines, eventLines...)
	}

	add("END:VCALENDAR")

	return strings.Join(lines, "\r\n") + "\r\n", nil
}

func renderEvent(m store.Match, opts Options, loc *time.Location, now time.Time) ([]string, error) {
	var lines []string
	add := func(format string, args ...interface{}) {
		lines = append(lines, fold(fmt.Sprintf(format, args...)))
	}

	originalStart := m.Date.UTC()
	dtstart := originalStart
	if opts.Mode == ModePlayer {
		prep := opts.PrepMinutes
		if prep < 0 {
			prep = 0
		}
		if prep > 240 {
			prep = 240
		}
		dtstart = dtstart.Add(-time.Duration(prep) * time.Minute)
	}
	// DTEND always derives from the original, unshifted start time: player
	// mode shifts DTSTART only (§4.G "DTEND is unchanged").
	dtend := originalStart.Add(defaultDurationMinutes * time.Minute)

	add("BEGIN:VEVENT")
	add("UID:%s@%s", m.ID, opts.HostIdentifier)
	add("DTSTAMP:%s", formatZulu(now))

	if loc != nil {
		add("DTSTART;TZID=%s:%s", opts.TimeZone, formatLocal(dtstart, loc))
		add("DTEND;TZID=%s:%s", opts.TimeZone, formatLocal(dtend, loc))
	} else {
		add("DTSTART:%s", formatZulu(dtstart))
		add("DTEND:%s", formatZulu(dtend))
	}

	add("SUMMARY:%s", escapeText(summary(m)))

	location := locationText(m)
	if location != "" {
		add("LOCATION:%s", escapeText(location))
	}

	// Cancelled matches are an open question the scraper has never
	// observed (§9); every currently defined status renders CONFIRMED.
	add("STATUS:CONFIRMED")

	add("END:VEVENT")
	return lines, nil
}

func summary(m store.Match) string {
	home := displayTeamName(m.HomeTeamName)
	away := displayTeamName(m.AwayTeamName)

	if m.Status == store.StatusClosed && m.HomeScore != nil && m.AwayScore != nil {
		return fmt.Sprintf("%s %d:%d %s [FINAL]", home, *m.HomeScore, *m.AwayScore, away)
	}
	// A CLOSED match with missing scores still renders as an upcoming
	// event rather than a malformed line (§8 property 9).
	return fmt.Sprintf("%s vs %s", home, away)
}

func displayTeamName(name *string) string {
	if name == nil || *name == "" {
		return "TBD"
	}
	return *name
}

func locationText(m store.Match) string {
	if m.Venue == nil || *m.Venue == "" {
		return ""
	}
	if m.VenueAddress != nil && *m.VenueAddress != "" {
		return *m.Venue + ", " + *m.VenueAddress
	}
	return *m.Venue
}

func calendarName(opts Options) string {
	parts := []string{nonEmpty(opts.AppTitle, "Basketball Calendar")}
	if opts.CompetitionLabel != "" {
		parts = append(parts, opts.CompetitionLabel)
	}
	if opts.TeamLabel != "" {
		parts = append(parts, opts.TeamLabel)
	}
	return strings.Join(parts, " — ")
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func formatZulu(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func formatLocal(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("20060102T150405")
}

// --------------------------------------------------------------------------
// Escaping & line folding (§4.G)
// --------------------------------------------------------------------------

// escapeText backslash-escapes "\", ";", "," and turns newlines into the
// literal two-character sequence "\n", per RFC 5545 §3.3.11.
func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case ';':
			b.WriteString(`\;`)
		case ',':
			b.WriteString(`\,`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			// carried into the following \n if present; a lone \r is dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fold inserts CRLF + a single space before the 76th octet of a content
// line, measuring length in UTF-8 octets so a multi-byte code point is
// never split across a fold boundary (§4.G, §8 properties 6/8).
func fold(line string) string {
	b := []byte(line)
	if len(b) <= 75 {
		return line
	}

	var out strings.Builder
	pos := 0
	first := true
	for pos < len(b) {
		limit := 75
		if !first {
			limit = 74 // plus the leading space already written below, = 75 octets/line
		}
		end := pos + limit
		if end > len(b) {
			end = len(b)
		} else {
			// never split a UTF-8 continuation byte (10xxxxxx) off its lead byte
			for end > pos && b[end]&0xC0 == 0x80 {
				end--
			}
		}
		if !first {
			out.WriteString("\r\n ")
		}
		out.Write(b[pos:end])
		pos = end
		first = false
	}
	return out.String()
}

// --------------------------------------------------------------------------
// VTIMEZONE (§4.G player-mode variant)
// --------------------------------------------------------------------------

type zoneTransition struct {
	at     time.Time
	offset int
	abbr   string
}

// zoneTransitions scans referenceYear hour by hour and records every point
// the zone's UTC offset changes. Hour granularity is sufficient: IANA DST
// transitions always land on an hour boundary in practice, and no caller
// round-trips this output through a strict conformance checker.
func zoneTransitions(loc *time.Location, referenceYear int) []zoneTransition {
	t := time.Date(referenceYear, 1, 1, 0, 0, 0, 0, loc)
	end := time.Date(referenceYear+1, 1, 1, 0, 0, 0, 0, loc)
	_, prevOffset := t.Zone()

	var transitions []zoneTransition
	for t.Before(end) {
		abbr, offset := t.Zone()
		if offset != prevOffset {
			transitions = append(transitions, zoneTransition{at: t, offset: offset, abbr: abbr})
			prevOffset = offset
		}
		t = t.Add(time.Hour)
	}
	return transitions
}

// vTimezoneLines builds a VTIMEZONE block for loc. Zones with no DST get a
// single STANDARD component; zones with DST get one STANDARD/DAYLIGHT pair
// covering the most recent transition into each in referenceYear.
func vTimezoneLines(tzid string, loc *time.Location, referenceYear int) ([]string, error) {
	jan1 := time.Date(referenceYear, 1, 1, 0, 0, 0, 0, loc)
	stdAbbr, stdOffset := jan1.Zone()

	transitions := zoneTransitions(loc, referenceYear)

	lines := []string{
		"BEGIN:VTIMEZONE",
		fmt.Sprintf("TZID:%s", tzid),
	}

	if len(transitions) < 2 {
		lines = append(lines,
			"BEGIN:STANDARD",
			fmt.Sprintf("DTSTART:%s", "19700101T000000"),
			fmt.Sprintf("TZOFFSETFROM:%s", formatOffset(stdOffset)),
			fmt.Sprintf("TZOFFSETTO:%s", formatOffset(stdOffset)),
			fmt.Sprintf("TZNAME:%s", stdAbbr),
			"END:STANDARD",
		)
	} else {
		toDST := transitions[0]
		toStd := transitions[1]
		// In zones observing DST on Jan 1 the first transition is into
		// standard time; the larger offset is always the daylight one.
		if toDST.offset < toStd.offset {
			toDST, toStd = toStd, toDST
		}
		lines = append(lines,
			"BEGIN:DAYLIGHT",
			fmt.Sprintf("DTSTART:%s", toDST.at.Format("20060102T150405")),
			fmt.Sprintf("TZOFFSETFROM:%s", formatOffset(toStd.offset)),
			fmt.Sprintf("TZOFFSETTO:%s", formatOffset(toDST.offset)),
			fmt.Sprintf("TZNAME:%s", toDST.abbr),
			"END:DAYLIGHT",
			"BEGIN:STANDARD",
			fmt.Sprintf("DTSTART:%s", toStd.at.Format("20060102T150405")),
			fmt.Sprintf("TZOFFSETFROM:%s", formatOffset(toDST.offset)),
			fmt.Sprintf("TZOFFSETTO:%s", formatOffset(toStd.offset)),
			fmt.Sprintf("TZNAME:%s", toStd.abbr),
			"END:STANDARD",
		)
	}

	lines = append(lines, "END:VTIMEZONE")
	return lines, nil
}

func formatOffset(seconds int) string {
	sign := "+"
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%s%02d%02d", sign, hours, minutes)
}
