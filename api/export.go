package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jmcleod/rollcall/attendance"
)

const (
	formatCSV  = "csv"
	formatJSON = "json"
)

func exportFormat(w http.ResponseWriter, r *http.Request) (string, bool) {
	switch f := r.URL.Query().Get("format"); f {
	case "", formatCSV:
		return formatCSV, true
	case formatJSON:
		return formatJSON, true
	default:
		writeError(w, http.StatusBadRequest, "format must be csv or json")
		return "", false
	}
}

// writeExportCSV renders the export fully before writing so a rendering
// failure still produces a clean error response.
func writeExportCSV(w http.ResponseWriter, status int, export attendance.Export) {
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf); err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename+`"`)
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// ExportAttendance handles GET /export. The ledger is not modified.
func (a *API) ExportAttendance(w http.ResponseWriter, r *http.Request) {
	format, ok := exportFormat(w, r)
	if !ok {
		return
	}
	pg := parsePage(r)
	if pg.requested && format != formatJSON {
		writeError(w, http.StatusBadRequest, "limit and offset require format=json")
		return
	}
	scope := scopeFromQuery(r)
	export, err := a.svc.Moderation.Export(r.Context(), scope)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditAttendanceExported, r,
		slog.String("scope", scope.String()),
		slog.Int("rows", len(export.Rows)),
	)
	if format == formatJSON {
		if pg.requested {
			rows, meta := page(export.Rows, pg)
			export.Rows = rows
			writeJSON(w, http.StatusOK, ExportPageResponse{Export: export, PaginationMeta: meta})
			return
		}
		writeJSON(w, http.StatusOK, export)
		return
	}
	writeExportCSV(w, http.StatusOK, export)
}

// ClearAttendance handles POST /clear. An empty body clears every record.
func (a *API) ClearAttendance(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	scope := req.scope()
	n, err := a.svc.Moderation.ClearAttendance(r.Context(), scope)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditAttendanceCleared, r,
		slog.String("scope", scope.String()),
		slog.Int("count", n),
	)
	writeJSON(w, http.StatusOK, ClearResponse{Cleared: n})
}

// ExportAndClear handles POST /export-and-clear. When the clear fails after
// a successful export the export is still returned with a warning.
func (a *API) ExportAndClear(w http.ResponseWriter, r *http.Request) {
	format, ok := exportFormat(w, r)
	if !ok {
		return
	}
	var req ScopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	scope := req.scope()
	res, err := a.svc.Moderation.ExportAndClear(r.Context(), scope)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditAttendanceExported, r,
		slog.String("scope", scope.String()),
		slog.Int("rows", len(res.Export.Rows)),
	)
	if !res.ClearFailed {
		a.audit.log(AuditAttendanceCleared, r,
			slog.String("scope", scope.String()),
			slog.Int("count", res.Cleared),
		)
	}

	if format == formatJSON {
		writeJSON(w, http.StatusOK, res)
		return
	}
	w.Header().Set("X-Cleared-Count", strconv.Itoa(res.Cleared))
	if res.ClearFailed {
		w.Header().Set("X-Clear-Warning", res.Warning)
	}
	writeExportCSV(w, http.StatusOK, res.Export)
}
