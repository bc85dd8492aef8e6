package schedule

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
	"github.com/benjaminjulian/seinn-v2/pkg/models"
)

type Parser struct {
	logger logger.Logger
}

func NewParser(log logger.Logger) *Parser {
	return &Parser{logger: log}
}

type ParseCallbacks struct {
	OnStop         func(stop *models.Stop) error
	OnRoute        func(route *models.Route) error
	OnTrip         func(trip *models.Trip) error
	OnStopTime     func(stopTime *models.StopTime) error
	OnCalendar     func(calendar *models.Calendar) error
	OnCalendarDate func(calendarDate *models.CalendarDate) error
}

// parseOrder keeps referential integrity: parents before children.
var parseOrder = []string{
	"stops.txt",
	"routes.txt",
	"trips.txt",
	"stop_times.txt",
	"calendar.txt",
	"calendar_dates.txt",
}

// ParseArchive walks a zipped schedule archive held in memory and streams
// each table's rows through the callbacks.
func (p *Parser) ParseArchive(ctx context.Context, data []byte, callbacks ParseCallbacks) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}

	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		fileMap[file.Name] = file
	}

	for _, fileName := range parseOrder {
		file, exists := fileMap[fileName]
		if !exists {
			p.logger.Warn("File not found in schedule archive", "file", fileName)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.parseFile(file, callbacks); err != nil {
			return fmt.Errorf("parsing %s: %w", fileName, err)
		}
	}

	return nil
}

func (p *Parser) parseFile(file *zip.File, callbacks ParseCallbacks) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if len(header) > 0 {
		// exports commonly carry a UTF-8 BOM
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	headerMap := make(map[string]int)
	for i, h := range header {
		headerMap[strings.TrimSpace(h)] = i
	}

	count := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}

		if err := p.dispatchRecord(file.Name, record, headerMap, callbacks); err != nil {
			return err
		}
		count++
	}

	p.logger.Info("Schedule file parsed", "name", file.Name, "records", count)
	return nil
}

func (p *Parser) dispatchRecord(fileName string, record []string, headerMap map[string]int, callbacks ParseCallbacks) error {
	switch fileName {
	case "stops.txt":
		if callbacks.OnStop != nil {
			return callbacks.OnStop(p.parseStop(record, headerMap))
		}
	case "routes.txt":
		if callbacks.OnRoute != nil {
			return callbacks.OnRoute(p.parseRoute(record, headerMap))
		}
	case "trips.txt":
		if callbacks.OnTrip != nil {
			return callbacks.OnTrip(p.parseTrip(record, headerMap))
		}
	case "stop_times.txt":
		if callbacks.OnStopTime != nil {
			return callbacks.OnStopTime(p.parseStopTime(record, headerMap))
		}
	case "calendar.txt":
		if callbacks.OnCalendar != nil {
			return callbacks.OnCalendar(p.parseCalendar(record, headerMap))
		}
	case "calendar_dates.txt":
		if callbacks.OnCalendarDate != nil {
			return callbacks.OnCalendarDate(p.parseCalendarDate(record, headerMap))
		}
	}
	return nil
}

func (p *Parser) getString(record []string, headerMap map[string]int, field string) string {
	if idx, ok := headerMap[field]; ok && idx < len(record) {
		return strings.Trim(strings.TrimSpace(record[idx]), `"`)
	}
	return ""
}

func (p *Parser) getInt(record []string, headerMap map[string]int, field string, defaultVal int) int {
	str := p.getString(record, headerMap, field)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	return val
}

func (p *Parser) getFloat(record []string, headerMap map[string]int, field string, defaultVal float64) float64 {
	str := p.getString(record, headerMap, field)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return defaultVal
	}
	return val
}

func (p *Parser) parseStop(record []string, headerMap map[string]int) *models.Stop {
	return &models.Stop{
		StopID:   p.getString(record, headerMap, "stop_id"),
		StopName: p.getString(record, headerMap, "stop_name"),
		StopLat:  p.getFloat(record, headerMap, "stop_lat", 0),
		StopLon:  p.getFloat(record, headerMap, "stop_lon", 0),
		ZoneID:   p.getString(record, headerMap, "zone_id"),
		StopCode: p.getString(record, headerMap, "stop_code"),
	}
}

func (p *Parser) parseRoute(record []string, headerMap map[string]int) *models.Route {
	return &models.Route{
		RouteID:        p.getString(record, headerMap, "route_id"),
		RouteShortName: p.getString(record, headerMap, "route_short_name"),
		RouteLongName:  p.getString(record, headerMap, "route_long_name"),
		RouteType:      p.getInt(record, headerMap, "route_type", 0),
	}
}

func (p *Parser) parseTrip(record []string, headerMap map[string]int) *models.Trip {
	return &models.Trip{
		TripID:       p.getString(record, headerMap, "trip_id"),
		RouteID:      p.getString(record, headerMap, "route_id"),
		ServiceID:    p.getString(record, headerMap, "service_id"),
		TripHeadsign: p.getString(record, headerMap, "trip_headsign"),
		DirectionID:  p.getInt(record, headerMap, "direction_id", 0),
	}
}

func (p *Parser) parseStopTime(record []string, headerMap map[string]int) *models.StopTime {
	return &models.StopTime{
		TripID:        p.getString(record, headerMap, "trip_id"),
		ArrivalTime:   p.getString(record, headerMap, "arrival_time"),
		DepartureTime: p.getString(record, headerMap, "departure_time"),
		StopID:        p.getString(record, headerMap, "stop_id"),
		StopSequence:  p.getInt(record, headerMap, "stop_sequence", 0),
	}
}

func (p *Parser) parseCalendar(record []string, headerMap map[string]int) *models.Calendar {
	return &models.Calendar{
		ServiceID: p.getString(record, headerMap, "service_id"),
		Monday:    p.getInt(record, headerMap, "monday", 0),
		Tuesday:   p.getInt(record, headerMap, "tuesday", 0),
		Wednesday: p.getInt(record, headerMap, "wednesday", 0),
		Thursday:  p.getInt(record, headerMap, "thursday", 0),
		Friday:    p.getInt(record, headerMap, "friday", 0),
		Saturday:  p.getInt(record, headerMap, "saturday", 0),
		Sunday:    p.getInt(record, headerMap, "sunday", 0),
		StartDate: p.getString(record, headerMap, "start_date"),
		EndDate:   p.getString(record, headerMap, "end_date"),
	}
}

func (p *Parser) parseCalendarDate(record []string, headerMap map[string]int) *models.CalendarDate {
	return &models.CalendarDate{
		ServiceID:     p.getString(record, headerMap, "service_id"),
		Date:          p.getString(record, headerMap, "date"),
		ExceptionType: p.getInt(record, headerMap, "exception_type", 0),
	}
}
