// Package dispatch 实现请求处理的调度核心。
// 它把链上观察到的请求经确认深度准入、去重落库后送入工作队列，
// 由工作协程完成解析、执行与两阶段发布，并在崩溃重启后
// 依据处理记录恢复未完成的请求。
package dispatch
