// Package calendar resolves market trading sessions: open/closed checks and
// next-open lookups per configured market, with holiday and half-day support.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

type session struct {
	openH, openM   int
	closeH, closeM int
}

type profile struct {
	loc      *time.Location
	currency string
	sessions []session
	halfDay  []session
	holidays map[string]bool
	halfDays map[string]bool
}

// Calendar answers session questions for the configured markets.
type Calendar struct {
	profiles map[string]*profile
}

// New builds a Calendar from market profiles. Session strings are
// "HH:MM-HH:MM" in the market's local zone; holiday and half-day entries are
// "YYYY-MM-DD" dates.
func New(profiles []domain.MarketProfile) (*Calendar, error) {
	c := &Calendar{profiles: make(map[string]*profile, len(profiles))}
	for _, mp := range profiles {
		name := strings.ToUpper(mp.Market)
		loc, err := time.LoadLocation(mp.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar: market %s: %w", name, err)
		}
		p := &profile{
			loc:      loc,
			currency: mp.Currency,
			holidays: map[string]bool{},
			halfDays: map[string]bool{},
		}
		for _, s := range mp.Sessions {
			sess, err := parseSession(s)
			if err != nil {
				return nil, fmt.Errorf("calendar: market %s: %w", name, err)
			}
			p.sessions = append(p.sessions, sess)
		}
		if mp.HalfDaySession != "" {
			sess, err := parseSession(mp.HalfDaySession)
			if err != nil {
				return nil, fmt.Errorf("calendar: market %s: %w", name, err)
			}
			p.halfDay = []session{sess}
		}
		for _, d := range mp.Holidays {
			p.holidays[d] = true
		}
		for _, d := range mp.HalfDays {
			p.halfDays[d] = true
		}
		c.profiles[name] = p
	}
	return c, nil
}

func parseSession(s string) (session, error) {
	var sess session
	if _, err := fmt.Sscanf(s, "%d:%d-%d:%d", &sess.openH, &sess.openM, &sess.closeH, &sess.closeM); err != nil {
		return session{}, fmt.Errorf("bad session %q: %w", s, err)
	}
	return sess, nil
}

// Supported reports whether the market is configured.
func (c *Calendar) Supported(market string) bool {
	_, ok := c.profiles[strings.ToUpper(market)]
	return ok
}

// Currency returns the market's trading currency.
func (c *Calendar) Currency(market string) (string, error) {
	p, ok := c.profiles[strings.ToUpper(market)]
	if !ok {
		return "", domain.NewValidation(domain.CodeUnsupportedMarket, fmt.Sprintf("market %q is not configured", market))
	}
	return p.currency, nil
}

// sessionsFor picks the day's session list, empty when closed all day.
func (p *profile) sessionsFor(day time.Time) []session {
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return nil
	}
	date := day.Format("2006-01-02")
	if p.holidays[date] {
		return nil
	}
	if p.halfDays[date] && len(p.halfDay) > 0 {
		return p.halfDay
	}
	return p.sessions
}

// IsOpen reports whether the market is inside a trading session at the given
// instant.
func (c *Calendar) IsOpen(market string, at time.Time) (bool, error) {
	p, ok := c.profiles[strings.ToUpper(market)]
	if !ok {
		return false, domain.NewValidation(domain.CodeUnsupportedMarket, fmt.Sprintf("market %q is not configured", market))
	}
	local := at.In(p.loc)
	for _, s := range p.sessionsFor(local) {
		open := time.Date(local.Year(), local.Month(), local.Day(), s.openH, s.openM, 0, 0, p.loc)
		close := time.Date(local.Year(), local.Month(), local.Day(), s.closeH, s.closeM, 0, 0, p.loc)
		if !local.Before(open) && local.Before(close) {
			return true, nil
		}
	}
	return false, nil
}

// NextOpen returns the next session open at or after the given instant.
func (c *Calendar) NextOpen(market string, at time.Time) (time.Time, error) {
	p, ok := c.profiles[strings.ToUpper(market)]
	if !ok {
		return time.Time{}, domain.NewValidation(domain.CodeUnsupportedMarket, fmt.Sprintf("market %q is not configured", market))
	}
	local := at.In(p.loc)
	for day := 0; day < 14; day++ {
		d := local.AddDate(0, 0, day)
		for _, s := range p.sessionsFor(d) {
			open := time.Date(d.Year(), d.Month(), d.Day(), s.openH, s.openM, 0, 0, p.loc)
			if !open.Before(local) {
				return open.UTC(), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("calendar: no session for %s within 14 days", market)
}
