package facility

import "time"

// Facility is a clinic the device user can work at.
type Facility struct {
	UUID      string    `json:"id"`
	Name      string    `json:"name"`
	District  string    `json:"district"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}
