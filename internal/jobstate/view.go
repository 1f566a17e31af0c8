package jobstate

import (
	"sort"
	"time"

	"vigil/pkg/model"
)

// Count 一个桶的计数
type Count struct {
	Bucket model.Bucket `json:"bucket"`
	N      int          `json:"count"`
}

// Row 合并任务表中的一行
type Row struct {
	Index   int          `json:"index"`
	JID     string       `json:"jid"`
	State   model.State  `json:"state"`
	Class   string       `json:"class"`
	Bucket  model.Bucket `json:"bucket"`
	Created time.Time    `json:"created"`
	Updated *time.Time   `json:"updated,omitempty"`
	Name    string       `json:"name"`
	Command string       `json:"command"`
}

// View 从快照推导出来的渲染数据
type View struct {
	Counts     []Count `json:"counts"`
	Queue      int     `json:"queue"`
	Total      int     `json:"total"`
	IsReady    bool    `json:"isReady"`
	IsShutdown bool    `json:"isShutdown"`
	Rows       []Row   `json:"rows"`

	Link     Link      `json:"link"`
	LinkErr  string    `json:"linkError,omitempty"`
	Received time.Time `json:"received"`
	HasData  bool      `json:"hasData"`
}

// Count 返回某个桶的计数
func (v View) Count(b model.Bucket) int {
	for _, c := range v.Counts {
		if c.Bucket == b {
			return c.N
		}
	}
	return 0
}

// Derive 计算计数行和按 index 排序的合并任务表
func Derive(snap *model.Snapshot) View {
	v := View{
		Counts:     make([]Count, 0, len(model.Buckets)),
		Queue:      snap.Queue,
		Total:      snap.Total,
		IsReady:    snap.IsReady,
		IsShutdown: snap.IsShutdown,
		HasData:    true,
	}
	for _, b := range model.Buckets {
		v.Counts = append(v.Counts, Count{Bucket: b, N: snap.Count(b)})
	}

	// 先按桶名排好，保证同 index 时结果稳定
	buckets := make([]model.Bucket, 0, len(snap.Jobs))
	n := 0
	for b, jobs := range snap.Jobs {
		buckets = append(buckets, b)
		n += len(jobs)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	// 未知桶名排在六个固定桶后面
	for _, b := range buckets {
		if !b.Known() {
			v.Counts = append(v.Counts, Count{Bucket: b, N: snap.Count(b)})
		}
	}

	v.Rows = make([]Row, 0, n)
	for _, b := range buckets {
		for i := range snap.Jobs[b] {
			v.Rows = append(v.Rows, newRow(b, &snap.Jobs[b][i]))
		}
	}
	sort.SliceStable(v.Rows, func(i, j int) bool { return v.Rows[i].Index < v.Rows[j].Index })
	return v
}

func newRow(b model.Bucket, j *model.Job) Row {
	r := Row{
		Index:   j.Index,
		JID:     j.JID,
		State:   j.State,
		Class:   j.State.Class(),
		Bucket:  b,
		Created: j.CreatedAt(),
		Name:    j.Spec.Name,
		Command: j.DisplayCommand(),
	}
	if at, ok := j.UpdatedAt(); ok {
		r.Updated = &at
	}
	return r
}

// duplicateIndexes 返回重复出现的 index (rows 已排序)
func duplicateIndexes(rows []Row) []int {
	var dups []int
	for i := 1; i < len(rows); i++ {
		if rows[i].Index != rows[i-1].Index {
			continue
		}
		if len(dups) == 0 || dups[len(dups)-1] != rows[i].Index {
			dups = append(dups, rows[i].Index)
		}
	}
	return dups
}
