package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/models"
)

const maxBodyBytes = 1 << 20

var clockPattern = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		return clockPattern.MatchString(fl.Field().String())
	})
	return v
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("corps de requête invalide: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		return apperr.Validation("%v", err)
	}
	msgs := make([]string, 0, len(fes))
	for _, fe := range fes {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s est requis", fe.Field())
	case "min":
		return fmt.Sprintf("%s: au moins %s caractères", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s: au plus %s caractères", fe.Field(), fe.Param())
	case "clock":
		return fmt.Sprintf("%s: format HH:MM attendu", fe.Field())
	case "datetime":
		return fmt.Sprintf("%s: date AAAA-MM-JJ attendue", fe.Field())
	case "latitude", "longitude":
		return fmt.Sprintf("%s: coordonnée invalide", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s: valeur parmi %s attendue", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s invalide", fe.Field())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrDuplicateRequest), errors.Is(err, apperr.ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrStore):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "status", status, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	body := errorBody{Error: apperr.UserMessage(err), Code: apperr.Code(err)}
	if status == http.StatusInternalServerError {
		body = errorBody{Error: "erreur interne", Code: "internal"}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Payloads.

type coordPayload struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

func (c coordPayload) coord() models.Coord { return models.Coord{Lat: c.Lat, Lon: c.Lon} }

type createTripsPayload struct {
	Origin      coordPayload `json:"origin"`
	OriginLabel string       `json:"origin_label" validate:"required,max=200"`
	Dates       []string     `json:"dates" validate:"max=31,dive,datetime=2006-01-02"`
	StartTime   string       `json:"start_time" validate:"required,clock"`
	ReturnTime  string       `json:"return_time" validate:"required,clock"`
}

type submitRequestPayload struct {
	TripOfferID   string `json:"trip_offer_id" validate:"required"`
	RequestedDate string `json:"requested_date" validate:"required,datetime=2006-01-02"`
}

type decisionPayload struct {
	Decision string `json:"decision" validate:"required,oneof=ACCEPTED DECLINED"`
}

type profilePayload struct {
	FirstName string `json:"first_name" validate:"required,max=80"`
	LastName  string `json:"last_name" validate:"max=80"`
	Service   string `json:"service" validate:"max=120"`
	AvatarURL string `json:"avatar_url" validate:"omitempty,url"`
	Phone     string `json:"phone" validate:"max=32"`
}

type startConversationPayload struct {
	DriverID    string `json:"driver_id" validate:"required"`
	PassengerID string `json:"passenger_id" validate:"required"`
}

type sendMessagePayload struct {
	Content     string `json:"content"`
	ClientToken string `json:"client_token" validate:"max=64"`
}
