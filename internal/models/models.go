package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

type Availability string

const (
	Active   Availability = "active"
	Inactive Availability = "inactive"
)

func (a Availability) Valid() bool { return a == Active || a == Inactive }

// ConnID is an opaque handle for one live websocket connection.
type ConnID string

type Participant struct {
	ID           string       `json:"id"`
	Role         Role         `json:"role"`
	Conn         ConnID       `json:"conn,omitempty"`
	Availability Availability `json:"availability,omitempty"`
	Location     *Coord       `json:"location,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type VehicleType string

const (
	VehicleAuto VehicleType = "auto"
	VehicleCar  VehicleType = "car"
	VehicleMoto VehicleType = "moto"
)

var VehicleTypes = []VehicleType{VehicleAuto, VehicleCar, VehicleMoto}

func (v VehicleType) Valid() bool {
	for _, t := range VehicleTypes {
		if v == t {
			return true
		}
	}
	return false
}

type RideStatus string

const (
	StatusRequested RideStatus = "requested"
	StatusAccepted  RideStatus = "accepted"
	StatusOngoing   RideStatus = "ongoing"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

func (s RideStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

func ParseRideStatus(v string) (RideStatus, bool) {
	switch s := RideStatus(v); s {
	case StatusRequested, StatusAccepted, StatusOngoing, StatusCompleted, StatusCancelled:
		return s, true
	}
	return "", false
}

type Ride struct {
	ID          string      `json:"id" db:"id"`
	RiderID     string      `json:"rider_id" db:"rider_id"`
	DriverID    string      `json:"driver_id,omitempty" db:"driver_id"`
	Pickup      string      `json:"pickup" db:"pickup"`
	Destination string      `json:"destination" db:"destination"`
	PickupCoord *Coord      `json:"pickup_coord,omitempty" db:"-"`
	VehicleType VehicleType `json:"vehicle_type" db:"vehicle_type"`
	Fare        float64     `json:"fare" db:"fare"`
	OTP         string      `json:"otp,omitempty" db:"otp"`
	Status      RideStatus  `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// Redacted returns a copy safe to hand to anyone but the rider.
func (r Ride) Redacted() Ride {
	r.OTP = ""
	return r
}

type OfferOutcome string

const (
	OfferPending   OfferOutcome = "pending"
	OfferAccepted  OfferOutcome = "accepted"
	OfferExpired   OfferOutcome = "expired"
	OfferWithdrawn OfferOutcome = "withdrawn"
)

type Offer struct {
	RideID     string       `json:"ride_id"`
	Candidates []string     `json:"candidates"`
	Outcome    OfferOutcome `json:"outcome"`
	AcceptedBy string       `json:"accepted_by,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// FareQuote maps each vehicle class to a price for one pickup/destination pair.
type FareQuote map[VehicleType]float64

// Events pushed to participants over their live connection.
const (
	EventNewRide        = "new-ride"
	EventRideConfirmed  = "ride-confirmed"
	EventRideStarted    = "ride-started"
	EventRideEnded      = "ride-ended"
	EventRideCancelled  = "ride-cancelled"
	EventNoDrivers      = "no-drivers-available"
	EventOfferWithdrawn = "offer-withdrawn"
	EventStatusChanged  = "ride-status-changed"
)
