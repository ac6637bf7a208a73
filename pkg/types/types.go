// Package types 定義了 cluster supervision 系統中使用的核心領域模型
package types

import (
	"strconv"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobType is the persisted `type` tag of a job record.
type JobType string

const (
	TypeCleanOutServer JobType = "cleanOutServer"
	TypeMoveShard      JobType = "moveShard"
)

// JobStatus 任務狀態
type JobStatus int

// 定義任務狀態常數
const (
	StatusNotFound JobStatus = iota // 不存在：任何狀態路徑下都找不到紀錄（不持久化）
	StatusToDo                      // 待處理：create() 之後
	StatusPending                   // 執行中：start() 取得鎖之後
	StatusFinished                  // 完成：所有子任務成功
	StatusFailed                    // 失敗：逾時、子任務失敗或被中止
)

// Statuses lists the persisted statuses in lifecycle order.
var Statuses = []JobStatus{StatusToDo, StatusPending, StatusFinished, StatusFailed}

func (s JobStatus) String() string {
	switch s {
	case StatusToDo:
		return "ToDo"
	case StatusPending:
		return "Pending"
	case StatusFinished:
		return "Finished"
	case StatusFailed:
		return "Failed"
	default:
		return "NotFound"
	}
}

// Prefix returns the agency directory holding records in this status.
// NotFound has no directory and returns "".
func (s JobStatus) Prefix() string {
	if s == StatusNotFound {
		return ""
	}
	return "/Target/" + s.String() + "/"
}

// Path returns the record location of id under this status.
func (s JobStatus) Path(id JobID) string {
	return s.Prefix() + string(id)
}

// Terminal reports whether s is FINISHED or FAILED.
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Record 任務紀錄，持久化於 /Target/<Status>/<jobId>
type Record struct {
	Type         JobType `json:"type"`
	JobID        JobID   `json:"jobId"`
	Creator      JobID   `json:"creator"`
	Server       string  `json:"server,omitempty"`
	TimeCreated  string  `json:"timeCreated"`
	TimeStarted  string  `json:"timeStarted,omitempty"`
	TimeFinished string  `json:"timeFinished,omitempty"`
	Reason       string  `json:"reason,omitempty"`

	// cleanOutServer: relocation jobs spawned at start, in creation order
	SubJobs []JobID `json:"subJobs,omitempty"`

	// moveShard
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
	Shard      string `json:"shard,omitempty"`
	FromServer string `json:"fromServer,omitempty"`
	ToServer   string `json:"toServer,omitempty"`
	IsLeader   bool   `json:"isLeader,omitempty"`
}

// TimeFormat is used for every persisted timestamp.
const TimeFormat = time.RFC3339Nano

// FormatTime renders t for a job record.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a persisted timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// SubJobID returns the id of the n-th child of parent: "<parent>-<n>".
func SubJobID(parent JobID, n int) JobID {
	return JobID(string(parent) + "-" + strconv.Itoa(n))
}

