package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"goji.io/v3/pat"

	"github.com/manpreetbhatti/boardify/backend/internal/db"
	"github.com/manpreetbhatti/boardify/backend/internal/room"
	"github.com/manpreetbhatti/boardify/backend/internal/session"
	"github.com/manpreetbhatti/boardify/backend/internal/ws"
)

type API struct {
	hub      *ws.Hub
	store    *room.Store
	sessions *session.Registry
	database *db.Database
	log      *slog.Logger
}

// New builds the API. database may be nil when the room directory is disabled.
func New(hub *ws.Hub, database *db.Database, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		hub:      hub,
		store:    hub.Engine().Store(),
		sessions: hub.Engine().Sessions(),
		database: database,
		log:      logger,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("error encoding JSON response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func paging(r *http.Request, defaultLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	totalSegments := 0
	for _, st := range a.store.Stats() {
		totalSegments += st.Segments
	}

	stats := map[string]interface{}{
		"active_rooms":    len(a.sessions.RoomCounts()),
		"active_clients":  a.hub.ClientCount(),
		"rooms_in_memory": a.store.Count(),
		"total_segments":  totalSegments,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["directory_rooms"] = dbStats["room_count"]
			stats["directory_segments"] = dbStats["segment_count"]
		} else {
			a.log.Warn("failed to read directory stats", "error", err)
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	Key         string         `json:"key"`
	Segments    int            `json:"segment_count"`
	Clears      int            `json:"clear_count"`
	ActiveUsers int            `json:"active_users"`
	CreatedAt   time.Time      `json:"created_at"`
	LastActive  time.Time      `json:"last_active"`
	Directory   *db.RoomRecord `json:"directory,omitempty"`
}

func roomResponse(st room.Stats, active map[string]int) RoomResponse {
	return RoomResponse{
		Key:         st.Key,
		Segments:    st.Segments,
		Clears:      st.Clears,
		ActiveUsers: active[st.Key],
		CreatedAt:   st.CreatedAt,
		LastActive:  st.LastActive,
	}
}

// ListRoomsHandler lists the rooms held in memory, or the room directory
// when called with ?source=directory.
func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r, 20)

	if r.URL.Query().Get("source") == "directory" {
		a.listDirectory(w, limit, offset)
		return
	}

	all := a.store.Stats()
	active := a.sessions.RoomCounts()

	start := offset
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	response := make([]RoomResponse, 0, end-start)
	for _, st := range all[start:end] {
		response = append(response, roomResponse(st, active))
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"total":  len(all),
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) listDirectory(w http.ResponseWriter, limit, offset int) {
	if a.database == nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "Room directory is disabled")
		return
	}

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.log.Warn("failed to list directory rooms", "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  rooms,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	key := pat.Param(r, "key")

	var record *db.RoomRecord
	if a.database != nil {
		rec, err := a.database.GetRoom(key)
		if err != nil {
			a.log.Warn("failed to read directory room", "room", key, "error", err)
		}
		record = rec
	}

	rm, ok := a.store.Lookup(key)
	if !ok {
		if record == nil {
			a.errorResponse(w, http.StatusNotFound, "Room not found")
			return
		}
		a.jsonResponse(w, http.StatusOK, RoomResponse{
			Key:        record.Key,
			CreatedAt:  record.FirstSeen,
			LastActive: record.LastActive,
			Directory:  record,
		})
		return
	}

	response := roomResponse(rm.Stats(), a.sessions.RoomCounts())
	response.Directory = record
	a.jsonResponse(w, http.StatusOK, response)
}

// HistoryHandler returns the room's current log, the same segments a
// joining client would receive.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	key := pat.Param(r, "key")

	rm, ok := a.store.Lookup(key)
	if !ok {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"key":      key,
		"segments": rm.Snapshot(),
	})
}
