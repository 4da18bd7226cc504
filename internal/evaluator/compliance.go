package evaluator

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-vision/internal/models"
)

// EventType 违规生命周期事件类型
type EventType string

const (
	EventOpen      EventType = "OPEN"
	EventConfirmed EventType = "CONFIRMED"
	EventResolved  EventType = "RESOLVED"
)

// Event 违规生命周期事件（同一 Track 的事件按产生顺序交付）
type Event struct {
	Type      EventType
	Violation models.Violation
}

// phase 状态机内部阶段
type phase int

const (
	phaseCompliant phase = iota
	phaseIncomplete
	phaseConfirmed
)

// trackState 单 Track 的合规状态
type trackState struct {
	phase       phase
	violationID string
	missing     []models.Class // 当前缺失集（排序后）
	since       time.Time      // 当前缺失集的起始时间（缺失集变化时重置）
	firstSeen   time.Time      // 本次违规插曲的起始时间

	// COMPLIANT→INCOMPLETE 去抖：要求 ≥2 帧连续缺失
	pendingMissing []models.Class
	pendingSince   time.Time
	pendingStreak  int

	// →COMPLIANT 滞回：要求 ≥2 帧连续完整装备
	equippedStreak int

	// 本插曲内已 CONFIRMED 的缺失集（每集每缺失集至多一次 CONFIRMED）
	confirmedSets map[string]bool
}

// Evaluator 单摄像头 PPE 合规评估器
// Track 状态由本评估器独占；要求集来自摄像头所属区域的合规规则
type Evaluator struct {
	cameraID          string
	required          models.ClassSet
	violationDuration time.Duration
	states            map[string]*trackState
	logger            *zap.Logger
}

// New 创建评估器
func New(cameraID string, required []models.Class, violationDuration time.Duration, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		cameraID:          cameraID,
		required:          models.NewClassSet(required...),
		violationDuration: violationDuration,
		states:            make(map[string]*trackState),
		logger:            logger,
	}
}

// Evaluate 用当帧装备集推进 Track 的状态机
// 返回本帧产生的违规事件（可能为空）
func (e *Evaluator) Evaluate(now time.Time, track *models.Track, equipped models.ClassSet) []Event {
	// 区域无 PPE 要求：永不进入 INCOMPLETE
	if len(e.required) == 0 {
		return nil
	}

	state, ok := e.states[track.ID]
	if !ok {
		state = &trackState{phase: phaseCompliant}
		e.states[track.ID] = state
	}

	missing := equipped.Missing(e.required)

	switch state.phase {
	case phaseCompliant:
		return e.evaluateCompliant(now, track, state, missing)
	case phaseIncomplete:
		return e.evaluateIncomplete(now, track, state, missing)
	case phaseConfirmed:
		return e.evaluateConfirmed(now, track, state, missing)
	}
	return nil
}

// evaluateCompliant 合规阶段：连续 2 帧缺失才进入 INCOMPLETE（去抖）
func (e *Evaluator) evaluateCompliant(now time.Time, track *models.Track, state *trackState, missing []models.Class) []Event {
	if len(missing) == 0 {
		state.pendingStreak = 0
		state.pendingMissing = nil
		return nil
	}

	if models.ClassesEqual(missing, state.pendingMissing) {
		state.pendingStreak++
	} else {
		state.pendingMissing = missing
		state.pendingSince = now
		state.pendingStreak = 1
	}

	if state.pendingStreak < 2 {
		return nil
	}

	state.phase = phaseIncomplete
	state.violationID = uuid.New().String()
	state.missing = state.pendingMissing
	state.since = state.pendingSince
	state.firstSeen = state.pendingSince
	state.equippedStreak = 0
	state.confirmedSets = make(map[string]bool)
	state.pendingStreak = 0
	state.pendingMissing = nil

	e.logger.Debug("Track PPE incomplete",
		zap.String("camera_id", e.cameraID),
		zap.String("track_id", track.ID),
		zap.Any("missing", state.missing),
	)
	return nil
}

// evaluateIncomplete 缺失阶段：同一缺失集持续满 violation_duration 即确认
func (e *Evaluator) evaluateIncomplete(now time.Time, track *models.Track, state *trackState, missing []models.Class) []Event {
	if len(missing) == 0 {
		// 单帧闪烁不重置 since；连续 2 帧完整装备才回到 COMPLIANT
		state.equippedStreak++
		if state.equippedStreak >= 2 {
			delete(e.states, track.ID)
		}
		return nil
	}
	state.equippedStreak = 0

	if !models.ClassesEqual(missing, state.missing) {
		// 缺失集变化重置 since，防止闪烁伪造"持续"信号
		state.missing = missing
		state.since = now
		return nil
	}

	if now.Sub(state.since) < e.violationDuration {
		return nil
	}
	setKey := models.ClassesKey(state.missing)
	if state.confirmedSets[setKey] {
		return nil
	}
	state.confirmedSets[setKey] = true
	state.phase = phaseConfirmed

	e.logger.Info("Violation confirmed",
		zap.String("camera_id", e.cameraID),
		zap.String("track_id", track.ID),
		zap.String("violation_id", state.violationID),
		zap.Any("missing", state.missing),
		zap.Duration("sustained", now.Sub(state.since)),
	)

	// 对外一次性交付 OPEN→CONFIRMED（确认前的缺失不产生外部事件）
	return []Event{
		{Type: EventOpen, Violation: e.violation(track.ID, state, now, models.ViolationOpen)},
		{Type: EventConfirmed, Violation: e.violation(track.ID, state, now, models.ViolationConfirmed)},
	}
}

// evaluateConfirmed 已确认阶段：恢复完整装备或缺失集变化时离开
func (e *Evaluator) evaluateConfirmed(now time.Time, track *models.Track, state *trackState, missing []models.Class) []Event {
	if len(missing) == 0 {
		state.equippedStreak++
		if state.equippedStreak < 2 {
			return nil
		}
		delete(e.states, track.ID)
		e.logger.Info("Violation resolved",
			zap.String("camera_id", e.cameraID),
			zap.String("track_id", track.ID),
			zap.String("violation_id", state.violationID),
		)
		return []Event{{Type: EventResolved, Violation: e.violation(track.ID, state, now, models.ViolationResolved)}}
	}
	state.equippedStreak = 0

	if !models.ClassesEqual(missing, state.missing) {
		// 新的缺失集需要重新满足持续时长；已确认过的集合不会重复告警
		state.missing = missing
		state.since = now
		state.phase = phaseIncomplete
	}
	return nil
}

// TrackRemoved Track 销毁时收尾：已确认的违规补发 RESOLVED
func (e *Evaluator) TrackRemoved(now time.Time, trackID string) []Event {
	state, ok := e.states[trackID]
	if !ok {
		return nil
	}
	delete(e.states, trackID)

	if state.phase != phaseConfirmed {
		return nil
	}

	e.logger.Info("Violation resolved by track destruction",
		zap.String("camera_id", e.cameraID),
		zap.String("track_id", trackID),
		zap.String("violation_id", state.violationID),
	)
	return []Event{{Type: EventResolved, Violation: e.violation(trackID, state, now, models.ViolationResolved)}}
}

// violation 构建违规快照
func (e *Evaluator) violation(trackID string, state *trackState, now time.Time, vs models.ViolationState) models.Violation {
	return models.Violation{
		ID:        state.violationID,
		TrackID:   trackID,
		CameraID:  e.cameraID,
		Missing:   append([]models.Class(nil), state.missing...),
		FirstSeen: state.firstSeen,
		LastSeen:  now,
		Duration:  now.Sub(state.firstSeen),
		State:     vs,
	}
}
