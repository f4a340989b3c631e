package relay

import (
	"math/rand"
	"time"
)

// BackoffPolicy 指数退避策略
// 第n次失败后的延迟 = min(base * 2^(n-1), cap)
type BackoffPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Jitter     bool
}

// Delay 计算第attempt次失败后的退避延迟（attempt从1开始计数）
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter {
		// 抖动范围[0.5, 1.0)倍，避免并发请求的重试风暴
		// 下限保证不低于标称延迟的一半
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}

// Next 返回第attempt次失败后的延迟，重试额度耗尽时返回ok=false
func (p BackoffPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt > p.MaxRetries {
		return 0, false
	}
	return p.Delay(attempt), true
}

// ResolveDelay 合并上游的Retry-After提示与本地退避，取两者较大值
// 提示值小于退避时仍按退避执行，不缩短等待
func (p BackoffPolicy) ResolveDelay(attempt int, hint time.Duration) time.Duration {
	d := p.Delay(attempt)
	if hint > d {
		return hint
	}
	return d
}
