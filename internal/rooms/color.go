// ABOUTME: Stable per-user presence colour
// ABOUTME: Same user id always yields the same HSL string

package rooms

import "fmt"

// Color returns the presence colour for a user id.
func Color(userID string) string {
	sum := 0
	for _, r := range userID {
		sum += int(r)
	}
	return fmt.Sprintf("hsl(%d, 70%%, 50%%)", sum%360)
}
