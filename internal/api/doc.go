// Package api 暴露只读的运维 HTTP 接口。
// 请求的受理只发生在链上，API 仅用于查询处理记录、
// 阶段统计与健康状况。
package api
