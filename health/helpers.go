package health

import "time"

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

func newStatus(component, level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == StatusHealthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines sub-statuses: any unhealthy makes the result unhealthy,
// otherwise any degraded makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no components registered")
	}

	var unhealthy, degraded int
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			unhealthy++
		case sub.IsDegraded():
			degraded++
		}
	}

	var status Status
	switch {
	case unhealthy > 0:
		status = NewUnhealthy(component, "one or more components are unhealthy")
	case degraded > 0:
		status = NewDegraded(component, "one or more components are degraded")
	default:
		status = NewHealthy(component, "all components are healthy")
	}
	status.SubStatuses = append([]Status(nil), subStatuses...)
	return status
}
