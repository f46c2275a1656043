package log

import "log/slog"

func WorkflowID[T ~string](id T) slog.Attr {
	return slog.String("workflow_id", string(id))
}

func TaskID[T ~string](id T) slog.Attr {
	return slog.String("task_id", string(id))
}

func ActivityID[T ~string](id T) slog.Attr {
	return slog.String("activity_id", string(id))
}

func Step(name string) slog.Attr {
	return slog.String("step", name)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Kind[T ~string](kind T) slog.Attr {
	return slog.String("kind", string(kind))
}

func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
