// ABOUTME: HTTP client for the dispatch backend: registration, geocoding, customer profile
// ABOUTME: Distinguishes backend-down from not-found so the router can escalate correctly

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ErrBackendDown is returned for transport failures, non-2xx replies, and
// the backend's own "RESPUESTA": "FALSE" degraded signal.
var ErrBackendDown = errors.New("dispatch backend unavailable")

// ErrNotFound is returned when the customer has no profile. This is a normal
// condition for first-time callers, not a failure.
var ErrNotFound = errors.New("customer not found")

// Config holds client settings. RegisterTimeout also covers geocoding, the
// two slow calls on the backend side.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	RegisterTimeout time.Duration
}

// Client talks to the taxi dispatch backend over JSON HTTP.
type Client struct {
	baseURL  string
	http     *http.Client
	httpSlow *http.Client
	logger   *slog.Logger
}

// NewClient creates a dispatch client with the configured timeouts.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	slow := cfg.RegisterTimeout
	if slow <= 0 {
		slow = 15 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     &http.Client{Timeout: timeout},
		httpSlow: &http.Client{Timeout: slow},
		logger:   slog.Default().With("component", "dispatch"),
	}
}

// Profile is what the backend knows about a returning customer.
type Profile struct {
	Name             string
	PreviousAddress  string
	HasActiveService bool
	ActiveServiceID  string
}

// Coordinates is a geocoding result.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Registration is the payload for creating a service.
type Registration struct {
	CustomerID   string
	CustomerName string
	Address      string
	VehicleType  string
	Note         string
	Zone         string
	Latitude     *float64
	Longitude    *float64
}

// flexString decodes backend fields that arrive as string, number, or null.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	return fmt.Errorf("unexpected value %s", data)
}

func (f flexString) String() string { return string(f) }

// CustomerProfile looks the customer up by their identifier (typically the
// phone number). It first checks prior services, then the profile record.
func (c *Client) CustomerProfile(ctx context.Context, customerID string) (*Profile, error) {
	var services struct {
		Respuesta       flexString `json:"RESPUESTA"`
		NoServicios     flexString `json:"NOSERVICIOS"`
		MasDeUno        flexString `json:"MASDEUNO"`
		IDServicio      flexString `json:"ID_SERVICIO"`
		Direccion       flexString `json:"DIRECCION_CLIENTE"`
		Ubicacion       flexString `json:"UBICACION_ACTUAL"`
		NombreCliente   flexString `json:"NOMBRE_CLIENTE"`
	}
	err := c.post(ctx, c.http, "/api/consultar-servicio-clientId",
		map[string]string{"CLIENT_ID": customerID}, &services)
	if err != nil {
		return nil, err
	}
	if services.Respuesta.String() == "FALSE" {
		return nil, fmt.Errorf("%w: consultar-servicio-clientId answered FALSE", ErrBackendDown)
	}

	profile := &Profile{Name: nullToEmpty(services.NombreCliente)}
	if services.NoServicios.String() != "TRUE" {
		profile.HasActiveService = services.IDServicio.String() != ""
		profile.ActiveServiceID = nullToEmpty(services.IDServicio)
		profile.PreviousAddress = nullToEmpty(services.Direccion)
		if profile.PreviousAddress == "" {
			profile.PreviousAddress = nullToEmpty(services.Ubicacion)
		}
	}
	if profile.PreviousAddress != "" {
		return profile, nil
	}

	var customer struct {
		Respuesta flexString `json:"RESPUESTA"`
		Direccion flexString `json:"DIRECCION_CLIENTE"`
		Nombre    flexString `json:"NOMBRE_CLIENTE"`
	}
	err = c.post(ctx, c.http, "/api/consultar-cliente",
		map[string]string{"CLIENT_ID": customerID}, &customer)
	if errors.Is(err, ErrNotFound) {
		if profile.Name != "" || profile.HasActiveService {
			return profile, nil
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if customer.Respuesta.String() == "FALSE" {
		return nil, fmt.Errorf("%w: consultar-cliente answered FALSE", ErrBackendDown)
	}

	if profile.Name == "" {
		profile.Name = nullToEmpty(customer.Nombre)
	}
	profile.PreviousAddress = nullToEmpty(customer.Direccion)
	return profile, nil
}

// Geocode resolves a normalized address ("cl 72 43") to coordinates. A reply
// without usable coordinates returns (nil, nil); the caller decides whether
// that forces a human handoff.
func (c *Client) Geocode(ctx context.Context, customerID, normalized string) (*Coordinates, error) {
	var resp struct {
		Respuesta flexString `json:"RESPUESTA"`
		Latitud   flexString `json:"LATITUD"`
		Longitud  flexString `json:"LONGITUD"`
	}
	err := c.post(ctx, c.httpSlow, "/api/consulta-coordenadas", map[string]string{
		"CLIENT_ID":             customerID,
		"UBICACION_NORMALIZADA": normalized,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Respuesta.String() == "FALSE" {
		return nil, fmt.Errorf("%w: consulta-coordenadas answered FALSE", ErrBackendDown)
	}

	lat, errLat := strconv.ParseFloat(resp.Latitud.String(), 64)
	lng, errLng := strconv.ParseFloat(resp.Longitud.String(), 64)
	if errLat != nil || errLng != nil || (lat == 0 && lng == 0) {
		c.logger.Warn("geocoding returned no usable coordinates", "address", normalized)
		return nil, nil
	}
	return &Coordinates{Latitude: lat, Longitude: lng}, nil
}

// Register creates the service and returns the backend's dispatch ID.
func (c *Client) Register(ctx context.Context, reg Registration) (string, error) {
	payload := map[string]string{
		"CLIENT_ID":         reg.CustomerID,
		"DIRECCION_CLIENTE": reg.Address,
		"LATITUD":           floatField(reg.Latitude),
		"LONGITUD":          floatField(reg.Longitude),
		"ZONA":              reg.Zone,
		"TIPO_VEHICULO":     reg.VehicleType,
		"OBSERVACION":       reg.Note,
		"NOMBRE_CLIENTE":    reg.CustomerName,
	}

	var resp struct {
		Respuesta  flexString `json:"RESPUESTA"`
		IDServicio flexString `json:"ID_SERVICIO"`
	}
	if err := c.post(ctx, c.httpSlow, "/api/registrar-servicio", payload, &resp); err != nil {
		return "", err
	}
	if resp.Respuesta.String() == "FALSE" {
		return "", fmt.Errorf("%w: registrar-servicio answered FALSE", ErrBackendDown)
	}
	if resp.IDServicio.String() == "" {
		return "", fmt.Errorf("%w: registrar-servicio returned no service ID", ErrBackendDown)
	}

	c.logger.Info("service registered", "dispatch_id", resp.IDServicio.String(), "zone", reg.Zone)
	return resp.IDServicio.String(), nil
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: %s answered HTTP %d", ErrBackendDown, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func nullToEmpty(f flexString) string {
	if f.String() == "NULL" {
		return ""
	}
	return f.String()
}

func floatField(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
