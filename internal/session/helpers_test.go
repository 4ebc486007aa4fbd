package session_test

import logx "groupcast/pkg/logx"

var zeroLog = logx.Nop()
