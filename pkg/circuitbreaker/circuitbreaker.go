package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"milestonepay/pkg/metrics"
)

// State 表示熔断器状态
type State int

const (
	StateClosed   State = iota // 关闭：正常状态，允许请求通过
	StateOpen                  // 打开：熔断状态，直接拒绝请求
	StateHalfOpen              // 半开：尝试恢复，允许少量请求通过
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Name 下游名称，用于错误信息和 circuit_breaker_state 指标
	Name string
	// 失败阈值：连续失败多少次后打开熔断器
	FailureThreshold int
	// 成功阈值：半开状态下成功多少次后关闭熔断器
	SuccessThreshold int
	// 超时时间：打开状态持续多久后进入半开状态
	Timeout time.Duration
	// 半开状态下的最大请求数
	HalfOpenMaxRequests int
	// IsFailure 判断错误是否计入失败；nil 时除调用方取消外都计入。
	// 合约 revert 这类业务拒绝不代表下游不可用，不应触发熔断。
	IsFailure func(error) bool
	// OnStateChange 状态变化回调（可选，用于日志）
	OnStateChange func(from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	config Config

	state         State
	failureCount  int
	successCount  int
	halfOpenCount int
	lastStateTime time.Time
	now           func() time.Time

	mu sync.Mutex
}

// NewCircuitBreaker 创建新的熔断器
func NewCircuitBreaker(config Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		config:        config,
		state:         StateClosed,
		lastStateTime: time.Now(),
		now:           time.Now,
	}
	cb.report()
	return cb
}

// Execute 执行函数，带熔断保护
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	cb.checkStateTransition()

	switch cb.state {
	case StateOpen:
		err := cb.openError()
		cb.mu.Unlock()
		return err
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			err := cb.openError()
			cb.mu.Unlock()
			return err
		}
		cb.halfOpenCount++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.countsAsFailure(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cb.config.IsFailure == nil {
		return true
	}
	return cb.config.IsFailure(err)
}

func (cb *CircuitBreaker) openError() error {
	wait := cb.config.Timeout - cb.now().Sub(cb.lastStateTime)
	if wait < 0 {
		wait = 0
	}
	return &OpenError{Name: cb.config.Name, RetryAfter: wait}
}

// checkStateTransition 检查并执行状态转换（调用方持有锁）
func (cb *CircuitBreaker) checkStateTransition() {
	now := cb.now()

	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastStateTime) >= cb.config.Timeout {
			cb.setState(StateHalfOpen, now)
			cb.halfOpenCount = 0
			cb.successCount = 0
		}
	case StateHalfOpen:
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed, now)
			cb.failureCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++
	now := cb.now()

	switch cb.state {
	case StateHalfOpen:
		// 半开状态下失败，立即打开
		cb.setState(StateOpen, now)
		cb.halfOpenCount = 0
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		cb.halfOpenCount--
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed, cb.now())
		}
	}
}

func (cb *CircuitBreaker) setState(to State, at time.Time) {
	from := cb.state
	cb.state = to
	cb.lastStateTime = at
	if from == to {
		return
	}
	cb.report()
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

func (cb *CircuitBreaker) report() {
	if cb.config.Name != "" {
		metrics.SetBreakerState(cb.config.Name, int(cb.state))
	}
}

// GetState 获取当前状态（线程安全）
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.checkStateTransition()
	return cb.state
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, cb.now())
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCount = 0
}

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// OpenError is returned while the breaker rejects calls. It matches
// ErrCircuitBreakerOpen under errors.Is.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("circuit breaker is open, retry in %s", e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker %q is open, retry in %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitBreakerOpen
}
