package models

type Stop struct {
	StopID   string
	StopName string
	StopLat  float64
	StopLon  float64
	ZoneID   string
	StopCode string
}

type Route struct {
	RouteID        string
	RouteShortName string
	RouteLongName  string
	RouteType      int
}

type Trip struct {
	TripID       string
	RouteID      string
	ServiceID    string
	TripHeadsign string
	DirectionID  int
}

type StopTime struct {
	TripID        string
	ArrivalTime   string // HH:MM:SS, hours may exceed 23 for next-day service
	DepartureTime string
	StopID        string
	StopSequence  int
}

type Calendar struct {
	ServiceID string
	Monday    int
	Tuesday   int
	Wednesday int
	Thursday  int
	Friday    int
	Saturday  int
	Sunday    int
	StartDate string // YYYYMMDD
	EndDate   string
}

type CalendarDate struct {
	ServiceID     string
	Date          string // YYYYMMDD
	ExceptionType int    // 1 = service added, 2 = service removed
}
