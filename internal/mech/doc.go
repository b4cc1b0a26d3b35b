// Package mech 定义了请求调度引擎的领域模型：链上请求、
// 解析后的工具输入、执行结果、处理记录及其持久化与队列抽象。
package mech
