// Package ride owns the ride lifecycle:
//
//	requested -> accepted -> ongoing -> completed
//	requested -> cancelled
//
// Transition guards live in this file and operate on a ride value only; the
// Service applies them inside the store's exclusive update.
package ride

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound       = errors.New("ride not found")
	ErrAlreadyTaken   = errors.New("ride already taken")
	ErrRejected       = errors.New("ride not found or not permitted")
	ErrInvalidRequest = errors.New("invalid ride request")
)

// Instruction tells the notification layer who to tell about a transition.
// The machine never performs the delivery itself.
type Instruction struct {
	Recipient string
	Event     string
	Ride      models.Ride
}

func accept(r *models.Ride, driverID string, now time.Time) error {
	if r.Status != models.StatusRequested {
		if r.DriverID != "" {
			return ErrAlreadyTaken
		}
		return ErrRejected
	}
	if driverID == "" {
		return ErrRejected
	}
	r.DriverID = driverID
	r.Status = models.StatusAccepted
	r.UpdatedAt = now
	return nil
}

// start folds every guard failure into ErrRejected so callers cannot learn
// which check failed.
func start(r *models.Ride, otp, driverID string, now time.Time) error {
	codeOK := otp != "" && subtle.ConstantTimeCompare([]byte(r.OTP), []byte(otp)) == 1
	if r.Status != models.StatusAccepted || r.DriverID != driverID || !codeOK {
		return ErrRejected
	}
	r.Status = models.StatusOngoing
	r.UpdatedAt = now
	return nil
}

func end(r *models.Ride, driverID string, now time.Time) error {
	if r.Status != models.StatusOngoing || r.DriverID != driverID {
		return ErrRejected
	}
	r.Status = models.StatusCompleted
	r.UpdatedAt = now
	return nil
}

func cancel(r *models.Ride, riderID string, now time.Time) error {
	if r.Status != models.StatusRequested || r.RiderID != riderID {
		return ErrRejected
	}
	r.Status = models.StatusCancelled
	r.UpdatedAt = now
	return nil
}
