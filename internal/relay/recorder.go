package relay

import "time"

// Recorder 诊断记录接收器
// 每次尝试结束产生一条尝试记录，请求结束产生一条汇总记录
// 实现必须不阻塞转发路径，写入相对数据投递是fire-and-forget
type Recorder interface {
	RecordAttempt(requestID string, rec *AttemptRecord)
	RecordRequest(requestID string, attempts int, outcome Outcome, kind ErrorKind, elapsed time.Duration)
}

// NopRecorder 空实现，测试和禁用跟踪时使用
type NopRecorder struct{}

func (NopRecorder) RecordAttempt(string, *AttemptRecord) {}

func (NopRecorder) RecordRequest(string, int, Outcome, ErrorKind, time.Duration) {}
