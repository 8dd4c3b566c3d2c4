package nlog

func InfoDepth(depth int, args ...any)    { logf(sevInfo, depth, "", args...) }
func Infoln(args ...any)                 { logf(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { logf(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { logf(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { logf(sevWarn, 0, format, args...) }
func Errorln(args ...any)                 { logf(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { logf(sevErr, 0, format, args...) }
