// Package config 负责加载 mechd 守护进程的 YAML 配置，
// 并为缺省字段填充文档化的默认值。
package config
