package outreach

import "math/rand/v2"

// pickTemplate chooses the next message template. Template ids are 1-based;
// the cursor holds the id used last (0 when none yet) and the pick avoids
// repeating it whenever more than one template exists.
func pickTemplate(templates []string, cursor int) (string, int) {
	n := len(templates)
	switch n {
	case 0:
		return "", 0
	case 1:
		return templates[0], 1
	}
	for {
		id := rand.IntN(n) + 1
		if id != cursor {
			return templates[id-1], id
		}
	}
}
