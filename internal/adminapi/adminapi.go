// Package adminapi is the Go-native replacement for the character
// device rtnet_chrdev.c exposes: a local-only JSON/HTTP surface that
// dispatches by ioctl family exactly as rtnet_chrdev.c switches on
// _IOC_TYPE(cmd), routing to the core, RTmac/TDMA, and RTcfg handler
// groups, one named endpoint per original ioctl number instead of a
// numeric one.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rtnet-go/rtnet/internal/rtcfg"
	"github.com/rtnet-go/rtnet/internal/rtdev"
	"github.com/rtnet-go/rtnet/internal/rterr"
	"github.com/rtnet-go/rtnet/internal/rtroute"
	"github.com/rtnet-go/rtnet/internal/tdma"
)

// Deps are the components the admin surface reads and mutates. It
// takes narrow function/interface handles rather than the root
// package's Context type so this package never imports it.
type Deps struct {
	Devices    *rtdev.Registry
	Routes     *rtroute.Table
	Discipline func(device string) (*tdma.Discipline, bool)
	Attachment func(device string) (*rtcfg.Attachment, bool)
	Log        *zap.Logger
}

// NewRouter builds the admin HTTP mux: /core, /rtmac/tdma, /rtcfg,
// one route group per original ioctl type. Mutation endpoints are
// rate-limited (one per 50ms, burst 4) against reconfiguration storms
// from a misbehaving client, per SPEC_FULL.md's admin-API rate-limiting note.
func NewRouter(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 4)

	r := chi.NewRouter()
	r.Use(throttle(limiter))

	r.Route("/core", func(r chi.Router) {
		r.Get("/devices", deps.listDevices)
		r.Post("/devices/{name}/up", deps.deviceUp)
		r.Post("/devices/{name}/down", deps.deviceDown)
		r.Get("/routes", deps.listRoutes)
		r.Post("/routes", deps.addRoute)
		r.Delete("/routes/{ip}", deps.deleteRoute)
	})

	r.Route("/rtmac/tdma", func(r chi.Router) {
		r.Post("/{device}/master", deps.tdmaMaster)
		r.Post("/{device}/client", deps.tdmaClient)
		r.Post("/{device}/slots", deps.tdmaAddSlot)
		r.Delete("/{device}/slots/{id}", deps.tdmaRemoveSlot)
		r.Get("/{device}/status", deps.tdmaStatus)
	})

	r.Route("/rtcfg", func(r chi.Router) {
		r.Get("/{device}/stations", deps.rtcfgStations)
	})

	return r
}

// throttle applies a shared rate limiter to every mutating (non-GET)
// request; reads are never throttled.
func throttle(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodGet && !limiter.Allow() {
				writeError(w, apiError{status: http.StatusTooManyRequests, err: rterr.ErrBusy})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// apiError is this package's local structured-error shape; the root
// package's rtnet.APIError plays the same role for callers that embed
// this router directly into a Caddy-style admin listener.
type apiError struct {
	status int
	err    error
}

func (e apiError) Error() string { return e.err.Error() }

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ae, ok := err.(apiError); ok {
		status = ae.status
		err = ae.err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type deviceView struct {
	Name       string `json:"name"`
	Index      int    `json:"index"`
	Up         bool   `json:"up"`
	RXPackets  uint64 `json:"rx_packets"`
	TXPackets  uint64 `json:"tx_packets"`
	RXDropped  uint64 `json:"rx_dropped"`
	TXDropped  uint64 `json:"tx_dropped"`
	Bytes      string `json:"bytes_human"`
}

func (d Deps) listDevices(w http.ResponseWriter, r *http.Request) {
	var views []deviceView
	d.Devices.Each(func(dev *rtdev.Device) {
		views = append(views, deviceView{
			Name:      dev.Name(),
			Index:     dev.Index(),
			Up:        dev.Up(),
			RXPackets: dev.Stats.RXPackets.Load(),
			TXPackets: dev.Stats.TXPackets.Load(),
			RXDropped: dev.Stats.RXDropped.Load(),
			TXDropped: dev.Stats.TXDropped.Load(),
			Bytes:     humanize.Bytes(dev.Stats.RXBytes.Load() + dev.Stats.TXBytes.Load()),
		})
	})
	writeJSON(w, views)
}

func (d Deps) deviceByParam(r *http.Request) (*rtdev.Device, error) {
	name := chi.URLParam(r, "name")
	if name == "" {
		name = chi.URLParam(r, "device")
	}
	return d.Devices.GetByName(name)
}

func (d Deps) deviceUp(w http.ResponseWriter, r *http.Request) {
	dev, err := d.deviceByParam(r)
	if err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	if err := rtdev.Open(dev); err != nil {
		writeError(w, apiError{status: http.StatusConflict, err: err})
		return
	}
	writeJSON(w, map[string]bool{"up": true})
}

func (d Deps) deviceDown(w http.ResponseWriter, r *http.Request) {
	dev, err := d.deviceByParam(r)
	if err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	if err := rtdev.Close(dev); err != nil {
		writeError(w, apiError{status: http.StatusConflict, err: err})
		return
	}
	writeJSON(w, map[string]bool{"up": false})
}

func (d Deps) listRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.Routes.SnapshotHostRoutes())
}

type addRouteRequest struct {
	IP     string `json:"ip"`
	MAC    string `json:"mac"`
	Device string `json:"device"`
}

func (d Deps) addRoute(w http.ResponseWriter, r *http.Request) {
	var req addRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apiError{status: http.StatusBadRequest, err: err})
		return
	}
	dev, err := d.Devices.GetByName(req.Device)
	if err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	mac, err := net.ParseMAC(req.MAC)
	if err != nil {
		writeError(w, apiError{status: http.StatusBadRequest, err: err})
		return
	}
	ip := net.ParseIP(req.IP)
	if ip == nil {
		writeError(w, apiError{status: http.StatusBadRequest, err: fmt.Errorf("invalid ip %q", req.IP)})
		return
	}
	d.Routes.AddHostRoute(ip, mac, dev)
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) deleteRoute(w http.ResponseWriter, r *http.Request) {
	ip := net.ParseIP(chi.URLParam(r, "ip"))
	if ip == nil || !d.Routes.DeleteHostRoute(ip) {
		writeError(w, apiError{status: http.StatusNotFound, err: rterr.ErrNotFound})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) tdmaDiscipline(r *http.Request) (*tdma.Discipline, error) {
	disc, ok := d.Discipline(chi.URLParam(r, "device"))
	if !ok {
		return nil, rterr.ErrNotFound
	}
	return disc, nil
}

func (d Deps) tdmaMaster(w http.ResponseWriter, r *http.Request) {
	disc, err := d.tdmaDiscipline(r)
	if err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	disc.BecomeMaster()
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) tdmaClient(w http.ResponseWriter, r *http.Request) {
	disc, err := d.tdmaDiscipline(r)
	if err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	disc.BecomeSlave()
	w.WriteHeader(http.StatusNoContent)
}

type addSlotRequest struct {
	ID      int32 `json:"id"`
	OffsetNs int64 `json:"offset_ns"`
	Period  uint32 `json:"period,omitempty"`
	Phasing uint32 `json:"phasing,omitempty"`
	MTU     int   `json:"mtu,omitempty"`
}

func (d Deps) tdmaAddSlot(w http.ResponseWriter, r *http.Request) {
	disc, err := d.tdmaDiscipline(r)
	if err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	var req addSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apiError{status: http.StatusBadRequest, err: err})
		return
	}
	mtu := req.MTU
	if mtu == 0 {
		mtu = disc.MTU()
	}
	if err := disc.AddSlot(req.ID, time.Duration(req.OffsetNs), req.Period, req.Phasing, mtu); err != nil {
		writeError(w, apiError{status: http.StatusConflict, err: err})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) tdmaRemoveSlot(w http.ResponseWriter, r *http.Request) {
	disc, err := d.tdmaDiscipline(r)
	if err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	var id int32
	if _, err := fmt.Sscanf(chi.URLParam(r, "id"), "%d", &id); err != nil {
		writeError(w, apiError{status: http.StatusBadRequest, err: err})
		return
	}
	if err := disc.RemoveSlot(id); err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tdmaStatusView struct {
	Calibrated bool `json:"calibrated"`
	SyncLost   bool `json:"sync_lost"`
	MTU        int  `json:"mtu"`
}

func (d Deps) tdmaStatus(w http.ResponseWriter, r *http.Request) {
	disc, err := d.tdmaDiscipline(r)
	if err != nil {
		writeError(w, apiError{status: http.StatusNotFound, err: err})
		return
	}
	writeJSON(w, tdmaStatusView{
		Calibrated: disc.Calibrated(),
		SyncLost:   disc.SyncLost(),
		MTU:        disc.MTU(),
	})
}

type stationView struct {
	IP    string `json:"ip,omitempty"`
	MAC   string `json:"mac,omitempty"`
	State string `json:"state"`
}

func (d Deps) rtcfgStations(w http.ResponseWriter, r *http.Request) {
	att, ok := d.Attachment(chi.URLParam(r, "device"))
	if !ok {
		writeError(w, apiError{status: http.StatusNotFound, err: rterr.ErrNotFound})
		return
	}
	var views []stationView
	for _, c := range att.Stations() {
		v := stationView{State: c.State().String()}
		if c.IP != nil {
			v.IP = c.IP.String()
		}
		if c.MAC != nil {
			v.MAC = c.MAC.String()
		}
		views = append(views, v)
	}
	writeJSON(w, views)
}
