// --- atlas-server/handlers/admin_handlers.go ---
package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlas-server/bank"
	"atlas-server/calibration"
	"atlas-server/db"
	"atlas-server/graph"
	"atlas-server/models"
	"atlas-server/utils"
)

// globalMapSource is satisfied by *graph.Service.
type globalMapSource interface {
	GlobalKnowledgeMap(ctx context.Context) (*models.KnowledgeMap, []models.NodeAggregate, error)
}

// AdminKnowledgeMap returns the global aggregate map with per-node friction
// scores as JSON for the instructor frontend. Nodes and edges sit at the top
// level, the same shape student clients receive, with the rollups alongside.
// GET /admin/knowledge_map
func AdminKnowledgeMap(svc globalMapSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		knowledgeMap, aggregates, err := svc.GlobalKnowledgeMap(c.Request.Context())
		if err != nil {
			log.Printf("Error deriving global knowledge map: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to derive global knowledge map"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"nodes":      knowledgeMap.Nodes,
			"edges":      knowledgeMap.Edges,
			"aggregates": aggregates,
		})
	}
}

// AdminDashboard renders the instructor dashboard: cohort counts, the
// friction board, and recent activity.
// GET /admin/dashboard
func AdminDashboard(pool *pgxpool.Pool, svc *graph.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var activeAttempts int
		_ = pool.QueryRow(context.Background(), `SELECT COUNT(id) FROM exam_attempts WHERE status = 'IN_PROGRESS'`).Scan(&activeAttempts)

		var completedAttempts int
		_ = pool.QueryRow(context.Background(), `SELECT COUNT(id) FROM exam_attempts WHERE status = 'COMPLETED'`).Scan(&completedAttempts)

		var infectedStudents int
		_ = pool.QueryRow(context.Background(), `SELECT COUNT(DISTINCT student_id) FROM student_progress WHERE status IN ('misconception', 'infected')`).Scan(&infectedStudents)

		var recentErrors int
		_ = pool.QueryRow(context.Background(), `SELECT COUNT(id) FROM error_logs WHERE timestamp > NOW() - INTERVAL '24 hours'`).Scan(&recentErrors)

		_, aggregates, err := svc.GlobalKnowledgeMap(context.Background())
		if err != nil {
			log.Printf("Error building friction board: %v", err)
		}
		if len(aggregates) > 10 {
			aggregates = aggregates[:10]
		}

		adminEventsRows, err := pool.Query(context.Background(), `SELECT id, timestamp, action, actor, target, notes FROM admin_events ORDER BY timestamp DESC LIMIT 5`)
		var recentAdminEvents []models.AdminEvent
		if err == nil {
			for adminEventsRows.Next() {
				var ae models.AdminEvent
				_ = adminEventsRows.Scan(&ae.ID, &ae.Timestamp, &ae.Action, &ae.Actor, &ae.Target, &ae.Notes)
				ae.Notes = utils.TruncateString(ae.Notes, 120)
				recentAdminEvents = append(recentAdminEvents, ae)
			}
			adminEventsRows.Close()
		} else {
			log.Printf("Error fetching recent admin events: %v", err)
		}

		c.HTML(http.StatusOK, "admin_dashboard", gin.H{
			"Title":             "Atlas Admin Dashboard",
			"ActiveAttempts":    activeAttempts,
			"CompletedAttempts": completedAttempts,
			"InfectedStudents":  infectedStudents,
			"RecentErrors":      recentErrors,
			"FrictionBoard":     aggregates,
			"RecentAdminEvents": recentAdminEvents,
			"UserEmail":         c.GetString("user_email"),
		})
	}
}

// AdminErrorLogs displays ingestion and finalization error logs.
// GET /admin/error_logs
func AdminErrorLogs(pool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		searchQuery := c.Query("search")
		searchSource := c.Query("source") // e.g., "telemetry_ingestion", "bank_loader"

		query := `
			SELECT id, timestamp, source, attempt_id, field_name, error_message, suggested_fix
			FROM error_logs
			WHERE (attempt_id ILIKE $1 OR error_message ILIKE $1)
			AND ($2 = '' OR source = $2)
			ORDER BY timestamp DESC
			LIMIT 200
		`
		rows, err := pool.Query(context.Background(), query, "%"+searchQuery+"%", searchSource)
		if err != nil {
			log.Printf("Error querying error logs: %v", err)
			c.HTML(http.StatusInternalServerError, "admin_error_logs", gin.H{"error": "Failed to retrieve error logs"})
			return
		}
		defer rows.Close()

		var logs []models.ErrorLog
		for rows.Next() {
			var logEntry models.ErrorLog
			if err := rows.Scan(
				&logEntry.ID, &logEntry.Timestamp, &logEntry.Source, &logEntry.AttemptID,
				&logEntry.FieldName, &logEntry.ErrorMessage, &logEntry.SuggestedFix,
			); err != nil {
				log.Printf("Error scanning error log row: %v", err)
				continue
			}
			logs = append(logs, logEntry)
		}

		c.HTML(http.StatusOK, "admin_error_logs", gin.H{
			"Title":        "Error Logs",
			"ErrorLogs":    logs,
			"SearchQuery":  searchQuery,
			"SearchSource": searchSource,
			"UserEmail":    c.GetString("user_email"),
		})
	}
}

// AdminItemHealth displays per-probe calibration statistics, flagged items
// first.
// GET /admin/item_health
func AdminItemHealth(svc *calibration.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.ItemHealthReport(c.Request.Context())
		if err != nil {
			log.Printf("Error querying item health: %v", err)
			c.HTML(http.StatusInternalServerError, "admin_item_health", gin.H{"error": "Failed to retrieve item health"})
			return
		}
		c.HTML(http.StatusOK, "admin_item_health", gin.H{
			"Title":     "Item Health",
			"Items":     report,
			"UserEmail": c.GetString("user_email"),
		})
	}
}

// AdminReloadBank re-reads and republishes the knowledge bank file.
// POST /admin/bank/reload
func AdminReloadBank(loader *bank.Loader) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetString("user_email")
		if err := loader.Reload(c.Request.Context(), actor); err != nil {
			log.Printf("Manual bank reload failed: %v", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Knowledge bank reloaded. Check error logs for authoring findings."})
	}
}

// AdminSettings displays server settings.
// GET /admin/settings
func AdminSettings(pool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := pool.Query(context.Background(), `SELECT key, value, description FROM settings ORDER BY key`)
		if err != nil {
			log.Printf("Error querying settings: %v", err)
			c.HTML(http.StatusInternalServerError, "admin_settings", gin.H{"error": "Failed to retrieve settings"})
			return
		}
		defer rows.Close()

		var settings []models.Setting
		for rows.Next() {
			var s models.Setting
			if err := rows.Scan(&s.Key, &s.Value, &s.Description); err != nil {
				log.Printf("Error scanning setting row: %v", err)
				continue
			}
			settings = append(settings, s)
		}

		c.HTML(http.StatusOK, "admin_settings", gin.H{
			"Title":     "Manage Server Settings",
			"Settings":  settings,
			"UserEmail": c.GetString("user_email"),
		})
	}
}

// AdminUpdateSettings handles updating server settings. Rate limits and
// calibration thresholds are read at service construction; changes apply
// after restart.
// POST /admin/settings
func AdminUpdateSettings(pool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid form submission"})
			return
		}
		updates := make(map[string]string)
		for key, values := range c.Request.PostForm {
			if len(values) > 0 {
				updates[key] = values[0]
			}
		}

		tx, err := pool.Begin(context.Background())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start transaction for settings update"})
			return
		}
		defer tx.Rollback(context.Background())

		actor := c.GetString("user_email")
		var failedUpdates []string

		for key, value := range updates {
			_, err := tx.Exec(context.Background(), `
				UPDATE settings SET value = $1, updated_at = NOW(), updated_by = $2 WHERE key = $3
			`, value, actor, key)
			if err != nil {
				log.Printf("Error updating setting %s: %v", key, err)
				failedUpdates = append(failedUpdates, key)
			}
			db.LogAdminEvent(pool, actor, "update_setting", key, fmt.Sprintf("Set to: %s", value))
		}

		if len(failedUpdates) > 0 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to update some settings: %s", strings.Join(failedUpdates, ", "))})
			return
		}

		if err := tx.Commit(context.Background()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to commit settings updates"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "Settings updated successfully"})
	}
}
