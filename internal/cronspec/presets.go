package cronspec

// Preset is a named schedule with its display text.
type Preset struct {
	Name        string
	Expr        string
	Description string
}

var presets = []Preset{
	{"every-minute", "* * * * *", "every minute"},
	{"every-5-minutes", "*/5 * * * *", "every 5 minutes"},
	{"every-hour", "0 * * * *", "every hour"},
	{"daily-9am", "0 9 * * *", "every day at 09:00"},
	{"daily-12pm", "0 12 * * *", "every day at noon"},
	{"daily-6pm", "0 18 * * *", "every day at 18:00"},
	{"daily-9pm", "0 21 * * *", "every day at 21:00"},
	{"weekdays-9am", "0 9 * * 1-5", "weekdays (Mon-Fri) at 09:00"},
	{"monday-9am", "0 9 * * 1", "every Monday at 09:00"},
	{"monday-wednesday-friday", "0 9 * * 1,3,5", "Monday, Wednesday and Friday at 09:00"},
	{"first-day-month", "0 9 1 * *", "first day of every month at 09:00"},
	{"every-sunday", "0 9 * * 0", "every Sunday at 09:00"},
}

// Presets returns a copy of the preset table in display order.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// PresetByName looks up a preset by name.
func PresetByName(name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Describe returns the preset description for expr, or CustomDescription.
// It never affects validation.
func Describe(expr string) string {
	n := Normalize(expr)
	for _, p := range presets {
		if p.Expr == n {
			return p.Description
		}
	}
	return CustomDescription
}
