/***************************************************************
 *
 * Copyright (C) 2025, The Authcore Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	// Component names a dependency reporting into /api/health.
	Component string

	HealthState string

	ComponentHealth struct {
		Status     HealthState `json:"status"`
		Message    string      `json:"message,omitempty"`
		LastUpdate int64       `json:"last_update"`
	}

	HealthReport struct {
		Status     HealthState                `json:"status"`
		Components map[string]ComponentHealth `json:"components"`
	}
)

const (
	ComponentDatabase Component = "database"
	ComponentCache    Component = "cache"
	ComponentWebUI    Component = "web-ui"

	HealthOK       HealthState = "ok"
	HealthCritical HealthState = "critical"
	// HealthStarting is the overall state until every component has reported.
	HealthStarting HealthState = "starting"
)

var (
	allComponents = []Component{ComponentDatabase, ComponentCache, ComponentWebUI}

	healthMutex sync.RWMutex
	health      = map[Component]ComponentHealth{}

	ComponentUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "authcore_component_up",
		Help: "Whether the component last reported healthy (1) or not (0)",
	}, []string{"component"})
)

func ReportHealthy(component Component, msg string) {
	setHealth(component, HealthOK, msg)
}

func ReportUnhealthy(component Component, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	setHealth(component, HealthCritical, msg)
}

func setHealth(component Component, state HealthState, msg string) {
	healthMutex.Lock()
	health[component] = ComponentHealth{Status: state, Message: msg, LastUpdate: time.Now().Unix()}
	healthMutex.Unlock()

	up := 0.0
	if state == HealthOK {
		up = 1
	}
	ComponentUp.WithLabelValues(string(component)).Set(up)
}

// GetHealthReport is critical when any component is, starting while some
// component has not reported yet, and ok otherwise.
func GetHealthReport() HealthReport {
	healthMutex.RLock()
	defer healthMutex.RUnlock()

	report := HealthReport{Status: HealthOK, Components: make(map[string]ComponentHealth, len(health))}
	for component, status := range health {
		report.Components[string(component)] = status
		if status.Status == HealthCritical {
			report.Status = HealthCritical
		}
	}
	if report.Status == HealthOK {
		for _, component := range allComponents {
			if _, ok := health[component]; !ok {
				report.Status = HealthStarting
				break
			}
		}
	}
	return report
}

// ResetHealth forgets every report; used by tests.
func ResetHealth() {
	healthMutex.Lock()
	defer healthMutex.Unlock()
	health = map[Component]ComponentHealth{}
}
