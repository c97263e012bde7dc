package tools

import (
	"context"
	"fmt"
	"time"
)

// maxWait caps the wait tool so a confused model cannot park a turn.
const maxWait = 5 * time.Minute

// RegisterBuiltins adds the tools that need no external service.
// now is injectable for tests; nil means time.Now.
func RegisterBuiltins(r *Registry, now func() time.Time) {
	if now == nil {
		now = time.Now
	}

	r.Register(&Tool{
		Name:        "get_current_time",
		Description: "Get the current date and time. Optionally pass an IANA timezone such as \"America/Chicago\".",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name (default: local)",
				},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			t := now()
			if tz, _ := args["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
				t = t.In(loc)
			}
			return t.Format("Monday, January 2, 2006 15:04:05 MST"), nil
		},
	})

	r.Register(&Tool{
		Name:        "wait",
		Description: "Pause for a number of seconds before continuing, e.g. to let a device settle.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{
					"type":        "number",
					"description": "Seconds to wait (max 300)",
				},
			},
			"required": []string{"seconds"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			secs, ok := args["seconds"].(float64)
			if !ok || secs < 0 {
				return "", fmt.Errorf("seconds must be a non-negative number")
			}
			d := time.Duration(secs * float64(time.Second))
			if d > maxWait {
				d = maxWait
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-timer.C:
				return fmt.Sprintf("Waited %s.", d), nil
			}
		},
	})
}
