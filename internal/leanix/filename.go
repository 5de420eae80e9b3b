package leanix

import (
	"strings"
	"time"
)

// resolveFilename substitutes the {cdate} placeholder with the date of
// now (YYYY-MM-DD) and every {key} from repl with its value.
func resolveFilename(template string, now time.Time, repl map[string]string) string {
	name := strings.ReplaceAll(template, "{cdate}", now.Format("2006-01-02"))
	for key, value := range repl {
		name = strings.ReplaceAll(name, "{"+key+"}", value)
	}
	return name
}
