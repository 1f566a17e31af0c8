package model

// Bucket 生命周期分桶名
type Bucket string

const (
	BucketPending   Bucket = "pending"
	BucketSubmitted Bucket = "submitted"
	BucketAcked     Bucket = "acked"
	BucketSucceeded Bucket = "succeeded"
	BucketFailed    Bucket = "failed"
	BucketCancelled Bucket = "cancelled"
)

// Buckets 是计数行的固定顺序
var Buckets = []Bucket{
	BucketPending,
	BucketSubmitted,
	BucketAcked,
	BucketSucceeded,
	BucketFailed,
	BucketCancelled,
}

// Known 是否是六个固定桶之一
func (b Bucket) Known() bool {
	for _, k := range Buckets {
		if b == k {
			return true
		}
	}
	return false
}

// Finished 任务已经结束，日志不会再增长
func (b Bucket) Finished() bool {
	switch b {
	case BucketSucceeded, BucketFailed, BucketCancelled:
		return true
	}
	return false
}

// Snapshot 是 agent 推送的完整任务集合，每次整体替换，不做增量合并
type Snapshot struct {
	Jobs  map[Bucket][]Job `json:"jobs"`
	Queue int              `json:"queue"` // 待处理的 action 数
	Total int              `json:"total"` // agent 跟踪的任务总数，不一定等于各桶之和

	IsReady    bool `json:"is_ready,omitempty"`
	IsShutdown bool `json:"is_shutdown,omitempty"`
}

// Count 返回某个桶的长度
func (s *Snapshot) Count(b Bucket) int {
	return len(s.Jobs[b])
}
