package autopost

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed calendar.yaml
var defaultCalendarYAML []byte

// HolidayRule describes one observance. Exactly one of Date ("MM-DD") or
// Month+Weekday+Nth is set. Nth -1 means the last such weekday of the month.
type HolidayRule struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	Angle    string `yaml:"angle"`
	Date     string `yaml:"date,omitempty"`
	Month    int    `yaml:"month,omitempty"`
	Weekday  string `yaml:"weekday,omitempty"`
	Nth      int    `yaml:"nth,omitempty"`
	LeadDays int    `yaml:"lead_days"`

	month   time.Month
	day     int
	weekday time.Weekday
}

// Calendar is the versioned topic rotation plus holiday override table.
// It is loaded once and treated as read-only.
type Calendar struct {
	Version  string        `yaml:"version"`
	Topics   []Topic       `yaml:"topics"`
	Holidays []HolidayRule `yaml:"holidays"`
}

func DefaultCalendar() *Calendar {
	cal, err := ParseCalendar(defaultCalendarYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded calendar invalid: %v", err))
	}
	return cal
}

func LoadCalendar(path string) (*Calendar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	cal, err := ParseCalendar(raw)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", path, err)
	}
	return cal, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func ParseCalendar(raw []byte) (*Calendar, error) {
	var cal Calendar
	if err := yaml.Unmarshal(raw, &cal); err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	if len(cal.Topics) == 0 {
		return nil, errors.New("calendar has no topics")
	}
	seen := map[string]bool{}
	for _, t := range cal.Topics {
		if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Title) == "" {
			return nil, errors.New("calendar topic needs id and title")
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate topic id %q", t.ID)
		}
		seen[t.ID] = true
	}
	for i := range cal.Holidays {
		if err := cal.Holidays[i].compile(); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", cal.Holidays[i].Key, err)
		}
	}
	return &cal, nil
}

func (h *HolidayRule) compile() error {
	if h.Key == "" || h.Name == "" {
		return errors.New("key and name are required")
	}
	if h.LeadDays < 0 {
		return errors.New("lead_days must not be negative")
	}
	if h.Date != "" {
		t, err := time.Parse("01-02", h.Date)
		if err != nil {
			return fmt.Errorf("date %q is not MM-DD", h.Date)
		}
		h.month, h.day = t.Month(), t.Day()
		return nil
	}
	if h.Month < 1 || h.Month > 12 {
		return fmt.Errorf("month %d out of range", h.Month)
	}
	wd, ok := weekdays[strings.ToLower(h.Weekday)]
	if !ok {
		return fmt.Errorf("unknown weekday %q", h.Weekday)
	}
	if h.Nth == 0 || h.Nth < -1 || h.Nth > 5 {
		return fmt.Errorf("nth %d must be 1-5 or -1", h.Nth)
	}
	h.month, h.weekday = time.Month(h.Month), wd
	return nil
}

// occurrence returns the observance date in year, or false when an nth
// weekday rule does not occur that year (e.g. a 5th Monday).
func (h HolidayRule) occurrence(year int) (time.Time, bool) {
	if h.day != 0 {
		return time.Date(year, h.month, h.day, 0, 0, 0, 0, time.UTC), true
	}
	if h.Nth == -1 {
		last := time.Date(year, h.month+1, 0, 0, 0, 0, 0, time.UTC)
		back := (int(last.Weekday()) - int(h.weekday) + 7) % 7
		return last.AddDate(0, 0, -back), true
	}
	first := time.Date(year, h.month, 1, 0, 0, 0, 0, time.UTC)
	fwd := (int(h.weekday) - int(first.Weekday()) + 7) % 7
	d := first.AddDate(0, 0, fwd+7*(h.Nth-1))
	if d.Month() != h.month {
		return time.Time{}, false
	}
	return d, true
}

// Lookup returns the observance whose lead window contains date, preferring
// the soonest one. date is read as a calendar day; its clock is ignored.
func (c *Calendar) Lookup(date time.Time) *HolidayContext {
	day := civilDay(date)
	var best *HolidayContext
	bestGap := 0
	for _, h := range c.Holidays {
		for _, year := range []int{day.Year(), day.Year() + 1} {
			occ, ok := h.occurrence(year)
			if !ok {
				continue
			}
			gap := int(occ.Sub(day).Hours() / 24)
			if gap < 0 || gap > h.LeadDays {
				continue
			}
			if best == nil || gap < bestGap {
				best = &HolidayContext{Key: h.Key, Name: h.Name, Angle: h.Angle, Date: occ}
				bestGap = gap
			}
		}
	}
	return best
}

func civilDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type TopicChoice struct {
	Topic   Topic
	Holiday *HolidayContext
}

type TopicSelector struct {
	calendar *Calendar
}

func NewTopicSelector(cal *Calendar) *TopicSelector {
	if cal == nil {
		cal = DefaultCalendar()
	}
	return &TopicSelector{calendar: cal}
}

func (s *TopicSelector) CalendarVersion() string { return s.calendar.Version }

// Select is a pure function of the calendar day. A holiday in its lead
// window replaces the rotating topic.
func (s *TopicSelector) Select(date time.Time) TopicChoice {
	if h := s.calendar.Lookup(date); h != nil {
		return TopicChoice{
			Topic:   Topic{ID: "holiday-" + h.Key, Title: h.Name, Angle: h.Angle},
			Holiday: h,
		}
	}
	topics := s.calendar.Topics
	return TopicChoice{Topic: topics[date.YearDay()%len(topics)]}
}
