package util

import "errors"

var (
	// ErrConflict 目标状态已存在，例如考生已有进行中的会话
	ErrConflict = errors.New("conflict")
	// ErrNotFound 引用的实体不存在
	ErrNotFound = errors.New("not found")
	// ErrInvalidState 实体存在但不处于所需状态
	ErrInvalidState = errors.New("invalid state")
	// ErrDispatch 尽力而为的旁路（任务入队）失败
	ErrDispatch = errors.New("dispatch failed")
	// ErrProvider AI 补全调用失败或返回不可用内容
	ErrProvider = errors.New("provider error")
	// ErrMalformedScore 结构化评分结果无法解析
	ErrMalformedScore = errors.New("malformed score")
	// ErrInvalidInput 请求参数不合法，例如空白的发言内容
	ErrInvalidInput = errors.New("invalid input")
)
