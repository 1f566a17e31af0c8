package model

import (
	"strings"
	"time"
)

// State 是 agent 上报的任务状态 (字符串枚举，未知值原样保留)
type State string

const (
	StatePending    State = "PENDING"
	StateSubmitted  State = "SUBMITTED"
	StateQueuing    State = "QUEUING"
	StateQueued     State = "QUEUED"
	StateRunning    State = "RUNNING"
	StateCancelling State = "CANCELLING"
	StateCancelled  State = "CANCELLED"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateAcked      State = "ACKED"
)

// 显示分类：运行中的几个状态合并成 acked
const ClassInProgress = "acked"

// Class 返回状态对应的显示分类
func (s State) Class() string {
	v := strings.ToLower(string(s))
	switch v {
	case "queuing", "queued", "running", "cancelling":
		return ClassInProgress
	default:
		return v
	}
}

// commandWidth 表格里命令列的最大宽度
const commandWidth = 50

type Job struct {
	Index int    `json:"index"` // 排序键，单个快照内唯一
	JID   string `json:"jid"`   // 全局唯一，日志路由用
	State State  `json:"state"`

	// Unix 时间戳 (秒)，updated 在任务第一次变化前不存在
	Created float64  `json:"created"`
	Updated *float64 `json:"updated,omitempty"`

	Spec struct {
		Name    string   `json:"name"`
		Command []string `json:"command,omitempty"`
	} `json:"spec"`
}

// CreatedAt 把 created 转成 time.Time
func (j *Job) CreatedAt() time.Time {
	return unixSeconds(j.Created)
}

// UpdatedAt 返回更新时间，没有或为 0 时第二个返回值为 false
func (j *Job) UpdatedAt() (time.Time, bool) {
	if j.Updated == nil || *j.Updated == 0 {
		return time.Time{}, false
	}
	return unixSeconds(*j.Updated), true
}

// DisplayCommand 拼接 argv 并截断到 50 个字符
func (j *Job) DisplayCommand() string {
	cmd := strings.Join(j.Spec.Command, " ")
	if r := []rune(cmd); len(r) > commandWidth {
		return string(r[:commandWidth])
	}
	return cmd
}

func unixSeconds(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
