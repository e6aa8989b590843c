package model

import (
	"fmt"
	"strconv"
	"strings"
)

// AccessRole describes what the account may do with a calendar.
type AccessRole string

const (
	AccessOwner          AccessRole = "OWNER"
	AccessReader         AccessRole = "READER"
	AccessWriter         AccessRole = "WRITER"
	AccessFreeBusyReader AccessRole = "FREE_BUSY_READER"
)

// ParseAccessRole maps provider spellings ("owner", "freeBusyReader", ...)
// onto an AccessRole. Unknown roles are treated as read-only.
func ParseAccessRole(s string) AccessRole {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "owner":
		return AccessOwner
	case "writer":
		return AccessWriter
	case "freebusyreader":
		return AccessFreeBusyReader
	default:
		return AccessReader
	}
}

// Writable reports whether events in a calendar with this role can be edited.
func (r AccessRole) Writable() bool {
	return r == AccessOwner || r == AccessWriter
}

// Color is an RGBA colour. It marshals to "#rrggbb", or "#rrggbbaa" when
// not fully opaque.
type Color struct {
	R, G, B, A uint8
}

// ParseColor parses "#rrggbb" or "#rrggbbaa".
func ParseColor(s string) (Color, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 && len(h) != 8 {
		return Color{}, fmt.Errorf("model: invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("model: invalid color %q: %w", s, err)
	}
	if len(h) == 6 {
		return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
	}
	return Color{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// MustColor is ParseColor for compile-time constants.
func MustColor(s string) Color {
	c, err := ParseColor(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Hex returns "#rrggbb" without alpha.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func (c Color) String() string {
	if c.A == 0xff {
		return c.Hex()
	}
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Color) UnmarshalText(b []byte) error {
	parsed, err := ParseColor(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// calendarBackgroundAlpha is applied to every calendar background so events
// stay readable on top of the widget background.
const calendarBackgroundAlpha = 200

// Calendar is a single remote calendar. Events reference it without owning it.
type Calendar struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	AccessRole AccessRole     `json:"access_role"`
	FgColor    Color          `json:"fg_color"`
	BgColor    Color          `json:"bg_color"`
	Primary    bool           `json:"primary"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewCalendar builds a Calendar, normalizing the background alpha.
func NewCalendar(id, name string, role AccessRole, fg, bg Color, data map[string]any, primary bool) *Calendar {
	bg.A = calendarBackgroundAlpha
	return &Calendar{
		ID:         id,
		Name:       name,
		AccessRole: role,
		FgColor:    fg,
		BgColor:    bg,
		Primary:    primary,
		Data:       data,
	}
}

// EventColors is one palette entry.
type EventColors struct {
	FgColor Color `json:"fg_color"`
	BgColor Color `json:"bg_color"`
}

// Palette maps provider colour ids to event colours.
type Palette map[string]EventColors

// DefaultPalette returns the eleven standard event colours, keyed "1".."11".
// A fresh map is returned on every call.
func DefaultPalette() Palette {
	bg := []string{
		"#7986cb", // Lavender
		"#33b679", // Sage
		"#8e24aa", // Grape
		"#e67c73", // Flamingo
		"#f6c026", // Banana
		"#f5511d", // Tangerine
		"#039be5", // Peacock
		"#616161", // Graphite
		"#3f51b5", // Blueberry
		"#0b8043", // Basil
		"#d60000", // Tomato
	}
	fg := MustColor("#f1f1f1")
	p := make(Palette, len(bg))
	for i, hex := range bg {
		p[strconv.Itoa(i+1)] = EventColors{FgColor: fg, BgColor: MustColor(hex)}
	}
	return p
}

// IDFor returns the palette id whose background matches c, ignoring alpha.
func (p Palette) IDFor(c Color) (string, bool) {
	for id, ec := range p {
		if ec.BgColor.Hex() == c.Hex() {
			return id, true
		}
	}
	return "", false
}
