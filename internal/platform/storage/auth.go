package storage

import (
	"errors"
)

// ErrPermissionDenied is returned when the caller may not read an order document.
var ErrPermissionDenied = errors.New("storage: permission denied")

// authorize lets staff read any order document and customers only their own. Documents
// without a recorded owner are staff-only.
func (o DownloadOptions) authorize() error {
	switch id := o.Identity; {
	case id == nil:
		return ErrPermissionDenied
	case id.IsStaff():
		return nil
	case o.OwnerID != "" && id.UID == o.OwnerID:
		return nil
	}
	return ErrPermissionDenied
}
