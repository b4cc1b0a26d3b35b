// Package tools 提供内置的工具实现及其注册入口。
// 每个工具以 registry.Capability 的形式声明输入输出契约
// 与执行时限，由调度流水线统一驱动。
package tools
