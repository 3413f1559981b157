package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/ledger"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/metrics"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now().Unix(),
		Clients:   s.tracker.Hub().Clients(),
	})
}

func (s *Server) handleMetricsJSON(c *fiber.Ctx) error {
	return c.JSON(metrics.GetSnapshot())
}

func (s *Server) handleListMedications(c *fiber.Ctx) error {
	return c.JSON(s.tracker.Medications())
}

func (s *Server) handleGetMedication(c *fiber.Ctx) error {
	med, ok := s.tracker.Medication(c.Params("id"))
	if !ok {
		return apperrors.NotFound(c.Params("id"))
	}
	return c.JSON(med)
}

func (s *Server) handleCreateMedication(c *fiber.Ctx) error {
	var req medication.Medication
	if err := c.BodyParser(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	med, err := s.tracker.AddMedication(c.UserContext(), req)
	if med.ID == "" {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(medicationResponse(med, err))
}

func (s *Server) handleUpdateMedication(c *fiber.Ctx) error {
	var req medication.Update
	if err := c.BodyParser(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}

	med, err := s.tracker.UpdateMedication(c.UserContext(), c.Params("id"), req)
	if med.ID == "" {
		return err
	}
	return c.JSON(medicationResponse(med, err))
}

func (s *Server) handleDeleteMedication(c *fiber.Ctx) error {
	if err := s.tracker.DeleteMedication(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListAlerts(c *fiber.Ctx) error {
	pending, err := s.tracker.Alerts(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(pending)
}

func (s *Server) handleRecordTaken(c *fiber.Ctx) error {
	req, err := parseDose(c)
	if err != nil {
		return err
	}
	entry, err := s.tracker.RecordTaken(c.UserContext(), c.Params("id"), req.ScheduledTime)
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

func (s *Server) handleRecordMissed(c *fiber.Ctx) error {
	req, err := parseDose(c)
	if err != nil {
		return err
	}
	entry, err := s.tracker.RecordMissed(c.UserContext(), c.Params("id"), req.ScheduledTime)
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	r, err := s.parseRange(c)
	if err != nil {
		return err
	}
	return c.JSON(s.tracker.History(r))
}

func (s *Server) handleClearHistory(c *fiber.Ctx) error {
	if err := s.tracker.ClearHistory(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleAdherence(c *fiber.Ctx) error {
	r, err := s.parseRange(c)
	if err != nil {
		return err
	}
	return c.JSON(s.tracker.Adherence(r))
}

func (s *Server) handleToday(c *fiber.Ctx) error {
	slots, err := s.tracker.TodaySchedule()
	if err != nil {
		return err
	}
	return c.JSON(slots)
}

func (s *Server) handleSchedule(c *fiber.Ctx) error {
	date := c.Query("date")
	if date == "" {
		return s.handleToday(c)
	}
	day, err := time.ParseInLocation(medication.DateLayout, date, s.loc)
	if err != nil {
		return apperrors.Validation("date must be YYYY-MM-DD")
	}
	slots, err := s.tracker.DaySchedule(day)
	if err != nil {
		return err
	}
	return c.JSON(slots)
}

func (s *Server) handleEscalations(c *fiber.Ctx) error {
	return c.JSON(s.tracker.Escalations())
}

func (s *Server) handleReplan(c *fiber.Ctx) error {
	n, err := s.tracker.Replan(c.UserContext())
	resp := fiber.Map{"alerts": n}
	if err != nil {
		resp["error"] = err.Error()
		return c.Status(fiber.StatusMultiStatus).JSON(resp)
	}
	return c.JSON(resp)
}

// handleEvents streams tracker events until the client goes away.
func (s *Server) handleEvents(c *websocket.Conn) {
	defer c.Close()

	hub := s.tracker.Hub()
	client := hub.AddClient()
	defer hub.RemoveClient(client)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-client.Outbound:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				s.logger.Warn("WebSocket write error", zap.Error(err))
				return
			}
		}
	}
}

func medicationResponse(med medication.Medication, schedErr error) MedicationResponse {
	resp := MedicationResponse{Medication: med}
	if schedErr != nil {
		body := errorBody(schedErr)
		resp.SchedulingError = &body
	}
	return resp
}

func parseDose(c *fiber.Ctx) (DoseRequest, error) {
	var req DoseRequest
	if err := c.BodyParser(&req); err != nil {
		return req, apperrors.Validation("invalid request body")
	}
	if req.ScheduledTime.IsZero() {
		return req, apperrors.Validation("scheduledTime is required")
	}
	return req, nil
}

// parseRange reads the from/to query parameters as RFC3339 timestamps or
// calendar dates. A date bound covers the whole day.
func (s *Server) parseRange(c *fiber.Ctx) (ledger.Range, error) {
	var r ledger.Range
	var err error
	if v := c.Query("from"); v != "" {
		if r.From, err = s.parseBound(v, false); err != nil {
			return r, err
		}
	}
	if v := c.Query("to"); v != "" {
		if r.To, err = s.parseBound(v, true); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (s *Server) parseBound(v string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation(medication.DateLayout, v, s.loc)
	if err != nil {
		return time.Time{}, apperrors.Validation("invalid time %q: use RFC3339 or YYYY-MM-DD", v)
	}
	if end {
		return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return d, nil
}
