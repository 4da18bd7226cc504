package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-vision/internal/models"

	"go.uber.org/zap"
)

// ViolationEvent 违规生命周期事件的持久化记录
// 每条记录对应一次 OPEN / CONFIRMED / RESOLVED 状态迁移
type ViolationEvent struct {
	EventID        string          `json:"event_id"`
	ViolationID    string          `json:"violation_id"`
	CameraID       string          `json:"camera_id"`
	TrackID        string          `json:"track_id"`
	EventType      string          `json:"event_type"`
	MissingClasses json.RawMessage `json:"missing_classes"` // JSONB：排序后的缺失类别数组
	FirstSeen      time.Time       `json:"first_seen"`
	LastSeen       time.Time       `json:"last_seen"`
	DurationMS     int64           `json:"duration_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ViolationEventsRepository 违规事件仓库
type ViolationEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewViolationEventsRepository 创建违规事件仓库
func NewViolationEventsRepository(db *sql.DB, logger *zap.Logger) *ViolationEventsRepository {
	return &ViolationEventsRepository{
		db:     db,
		logger: logger,
	}
}

// ViolationEventFilters 违规事件过滤条件
type ViolationEventFilters struct {
	// 时间段过滤
	StartTime *time.Time // 开始时间（last_seen >= StartTime）
	EndTime   *time.Time // 结束时间（last_seen <= EndTime）

	// 来源过滤
	CameraID    *string
	TrackID     *string
	ViolationID *string

	// 事件类型过滤
	EventType  *string  // OPEN / CONFIRMED / RESOLVED
	EventTypes []string // IN 查询
}

// NewViolationEventFromSnapshot 由违规快照构建持久化记录
func NewViolationEventFromSnapshot(eventID string, eventType string, v *models.Violation) (*ViolationEvent, error) {
	missing, err := json.Marshal(v.Missing)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal missing classes: %w", err)
	}
	return &ViolationEvent{
		EventID:        eventID,
		ViolationID:    v.ID,
		CameraID:       v.CameraID,
		TrackID:        v.TrackID,
		EventType:      eventType,
		MissingClasses: missing,
		FirstSeen:      v.FirstSeen,
		LastSeen:       v.LastSeen,
		DurationMS:     v.Duration.Milliseconds(),
		CreatedAt:      time.Now(),
	}, nil
}

// ============================================
// 基础操作
// ============================================

// CreateViolationEvent 写入一条违规事件
func (r *ViolationEventsRepository) CreateViolationEvent(ctx context.Context, event *ViolationEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.ViolationID == "" {
		return fmt.Errorf("violation_id is required")
	}

	query := `
		INSERT INTO violation_events (
			event_id,
			violation_id,
			camera_id,
			track_id,
			event_type,
			missing_classes,
			first_seen,
			last_seen,
			duration_ms,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	missing := event.MissingClasses
	if len(missing) == 0 {
		missing = json.RawMessage("[]")
	}

	_, err := r.db.ExecContext(ctx,
		query,
		event.EventID,
		event.ViolationID,
		event.CameraID,
		event.TrackID,
		event.EventType,
		missing,
		event.FirstSeen,
		event.LastSeen,
		event.DurationMS,
		event.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create violation event: %w", err)
	}

	return nil
}

// GetViolationEvent 根据 event_id 获取单条违规事件
func (r *ViolationEventsRepository) GetViolationEvent(ctx context.Context, eventID string) (*ViolationEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := `
		SELECT
			event_id,
			violation_id,
			camera_id,
			track_id,
			event_type,
			missing_classes,
			first_seen,
			last_seen,
			duration_ms,
			created_at
		FROM violation_events
		WHERE event_id = $1
	`

	var event ViolationEvent
	var missing []byte

	err := r.db.QueryRowContext(ctx, query, eventID).Scan(
		&event.EventID,
		&event.ViolationID,
		&event.CameraID,
		&event.TrackID,
		&event.EventType,
		&missing,
		&event.FirstSeen,
		&event.LastSeen,
		&event.DurationMS,
		&event.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("violation event not found: event_id=%s", eventID)
		}
		return nil, fmt.Errorf("failed to get violation event: %w", err)
	}

	if len(missing) > 0 {
		event.MissingClasses = missing
	} else {
		event.MissingClasses = json.RawMessage("[]")
	}

	return &event, nil
}

// ============================================
// 查询操作
// ============================================

// buildWhereClause 构建 WHERE 子句（用于 ListViolationEvents 等查询方法）
func (r *ViolationEventsRepository) buildWhereClause(filters ViolationEventFilters, args *[]interface{}, argN *int) []string {
	where := []string{}

	// 时间段过滤
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("ve.last_seen >= $%d", *argN))
		*args = append(*args, *filters.StartTime)
		*argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("ve.last_seen <= $%d", *argN))
		*args = append(*args, *filters.EndTime)
		*argN++
	}

	// 来源过滤
	if filters.CameraID != nil {
		where = append(where, fmt.Sprintf("ve.camera_id = $%d", *argN))
		*args = append(*args, *filters.CameraID)
		*argN++
	}
	if filters.TrackID != nil {
		where = append(where, fmt.Sprintf("ve.track_id = $%d", *argN))
		*args = append(*args, *filters.TrackID)
		*argN++
	}
	if filters.ViolationID != nil {
		where = append(where, fmt.Sprintf("ve.violation_id = $%d", *argN))
		*args = append(*args, *filters.ViolationID)
		*argN++
	}

	// 事件类型过滤
	if filters.EventType != nil {
		where = append(where, fmt.Sprintf("ve.event_type = $%d", *argN))
		*args = append(*args, *filters.EventType)
		*argN++
	}
	if len(filters.EventTypes) > 0 {
		placeholders := make([]string, len(filters.EventTypes))
		for i := range filters.EventTypes {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, filters.EventTypes[i])
			*argN++
		}
		where = append(where, fmt.Sprintf("ve.event_type IN (%s)", strings.Join(placeholders, ", ")))
	}

	return where
}

// ListViolationEvents 列表查询（支持多条件过滤、分页）
func (r *ViolationEventsRepository) ListViolationEvents(ctx context.Context, filters ViolationEventFilters, page, size int) ([]*ViolationEvent, int, error) {
	args := []interface{}{}
	argN := 1
	where := r.buildWhereClause(filters, &args, &argN)

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	// 计算总数
	queryCount := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM violation_events ve
		%s
	`, whereClause)

	var total int
	err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count violation events: %w", err)
	}

	// 分页处理
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT
			ve.event_id,
			ve.violation_id,
			ve.camera_id,
			ve.track_id,
			ve.event_type,
			ve.missing_classes,
			ve.first_seen,
			ve.last_seen,
			ve.duration_ms,
			ve.created_at
		FROM violation_events ve
		%s
		ORDER BY ve.last_seen DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, len(args)+1, len(args)+2)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query violation events: %w", err)
	}
	defer rows.Close()

	events := []*ViolationEvent{}
	for rows.Next() {
		var event ViolationEvent
		var missing []byte

		err := rows.Scan(
			&event.EventID,
			&event.ViolationID,
			&event.CameraID,
			&event.TrackID,
			&event.EventType,
			&missing,
			&event.FirstSeen,
			&event.LastSeen,
			&event.DurationMS,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan violation event: %w", err)
		}

		if len(missing) > 0 {
			event.MissingClasses = missing
		} else {
			event.MissingClasses = json.RawMessage("[]")
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate violation events: %w", err)
	}

	return events, total, nil
}

// GetViolationHistory 获取单次违规的完整生命周期（按时间升序）
func (r *ViolationEventsRepository) GetViolationHistory(ctx context.Context, violationID string) ([]*ViolationEvent, error) {
	if violationID == "" {
		return nil, fmt.Errorf("violation_id is required")
	}

	query := `
		SELECT
			event_id,
			violation_id,
			camera_id,
			track_id,
			event_type,
			missing_classes,
			first_seen,
			last_seen,
			duration_ms,
			created_at
		FROM violation_events
		WHERE violation_id = $1
		ORDER BY last_seen ASC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, violationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query violation history: %w", err)
	}
	defer rows.Close()

	events := []*ViolationEvent{}
	for rows.Next() {
		var event ViolationEvent
		var missing []byte

		err := rows.Scan(
			&event.EventID,
			&event.ViolationID,
			&event.CameraID,
			&event.TrackID,
			&event.EventType,
			&missing,
			&event.FirstSeen,
			&event.LastSeen,
			&event.DurationMS,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation event: %w", err)
		}

		if len(missing) > 0 {
			event.MissingClasses = missing
		} else {
			event.MissingClasses = json.RawMessage("[]")
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate violation history: %w", err)
	}

	return events, nil
}

// ============================================
// 统计查询
// ============================================

// CountViolationEvents 统计违规事件数量（按条件）
func (r *ViolationEventsRepository) CountViolationEvents(ctx context.Context, filters ViolationEventFilters) (int, error) {
	args := []interface{}{}
	argN := 1
	where := r.buildWhereClause(filters, &args, &argN)

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM violation_events ve
		%s
	`, whereClause)

	var total int
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count violation events: %w", err)
	}

	return total, nil
}

// GetViolationEventsByCamera 按摄像头查询
func (r *ViolationEventsRepository) GetViolationEventsByCamera(ctx context.Context, cameraID string, filters ViolationEventFilters, page, size int) ([]*ViolationEvent, int, error) {
	filters.CameraID = &cameraID
	return r.ListViolationEvents(ctx, filters, page, size)
}

// GetUnresolvedViolations 获取已确认且尚未解除的违规（最新事件为 CONFIRMED）
func (r *ViolationEventsRepository) GetUnresolvedViolations(ctx context.Context, cameraID string) ([]*ViolationEvent, error) {
	query := `
		SELECT
			ve.event_id,
			ve.violation_id,
			ve.camera_id,
			ve.track_id,
			ve.event_type,
			ve.missing_classes,
			ve.first_seen,
			ve.last_seen,
			ve.duration_ms,
			ve.created_at
		FROM violation_events ve
		WHERE ve.camera_id = $1
		  AND ve.event_type = 'CONFIRMED'
		  AND NOT EXISTS (
			SELECT 1 FROM violation_events r
			WHERE r.violation_id = ve.violation_id
			  AND r.event_type = 'RESOLVED'
		  )
		ORDER BY ve.last_seen DESC
	`

	rows, err := r.db.QueryContext(ctx, query, cameraID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved violations: %w", err)
	}
	defer rows.Close()

	events := []*ViolationEvent{}
	for rows.Next() {
		var event ViolationEvent
		var missing []byte

		err := rows.Scan(
			&event.EventID,
			&event.ViolationID,
			&event.CameraID,
			&event.TrackID,
			&event.EventType,
			&missing,
			&event.FirstSeen,
			&event.LastSeen,
			&event.DurationMS,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation event: %w", err)
		}

		if len(missing) > 0 {
			event.MissingClasses = missing
		} else {
			event.MissingClasses = json.RawMessage("[]")
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unresolved violations: %w", err)
	}

	return events, nil
}
