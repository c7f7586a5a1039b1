// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package gfmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
	"github.com/westerndigitalcorporation/gfmd/internal/replcheck"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>gfmd status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}

    table.hosts th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>gfmd {{if .ReadOnly}} / read-only {{end}}</h3>

<table>
  <tr>
    <td>Addr:</td>
    <td><a href="http://{{.Cfg.Addr}}">{{.Cfg.Addr}}</a></td>
  </tr>
  <tr>
    <td>Inodes:</td>
    <td>{{.Inodes}}</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{.FreeMem}} / {{.TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>
<table class="status">
  <caption>Replica Check ({{.ReplicaCheck}})</caption>
  <tr><td>Remove surplus</td><td>{{.Settings.RemoveEnabled}}</td></tr>
  <tr><td>Reduced log</td><td>{{.Settings.ReducedLog}}</td></tr>
  <tr><td>Grace</td><td>{{.Settings.GraceUsedRatio}} used, {{.Settings.GraceTime}} idle</td></tr>
  <tr><td>Host down threshold</td><td>{{.Settings.HostDownThresh}}</td></tr>
  <tr><td>Last scan</td><td>{{.Stats.LastScan.Start}} ({{.Stats.LastScan.Elapsed}}, lock wait {{.Stats.LastScan.LockWait}})</td></tr>
  <tr><td>Last scan files</td><td>{{.Stats.LastScan.Files}} ({{.Stats.LastScan.Created}} created, {{.Stats.LastScan.Removed}} removed, {{.Stats.LastScan.Skipped}} skipped)</td></tr>
  <tr><td>Scans</td><td>{{.Stats.Scans}}</td></tr>
  <tr><td>Pending targets</td><td>{{.Stats.Targets}}</td></tr>
  <tr><td>Expedited</td><td>{{.Stats.Expedited}}</td></tr>
</table>

<br>
<table class="status">
  <caption>Dead File Copies</caption>
  <tr>
    <th>State</th>
    <th>Count</th>
  </tr>
  {{range $k, $v := .Stats.DeadCopy}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
<table class="status">
  <caption>RPC Metrics</caption>
  <tr>
    <th>Metric</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .RPC}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
<hr></hr>
<table class="status hosts">
  <caption>Hosts</caption>
  <tr>
    <th>Name</th>
    <th>Addr</th>
    <th>Group</th>
    <th>Status</th>
    <th>Last HB</th>
    <th>Used</th>
    <th>Avail (mb)</th>
    <th>Load</th>
  </tr>
  {{range .Hosts}}
  <tr>
    <td>{{.Name}}</td>
    <td>{{.Addr}}</td>
    <td>{{.Fsngroup}}</td>
    <td>{{.Status}}</td>
    <td>{{.LastBeat}}</td>
    <td>{{printf "%.1f%%" (pct .UsedRatio)}}</td>
    <td>{{mb .Load.DiskAvail}}</td>
    <td>{{.Load.LoadAvg}}</td>
  </tr>
  {{end}}
</table>

status update time: {{.Now}}
</body>
</html>
`

// StatusData includes gfmd status info.
type StatusData struct {
	Cfg      Config
	ReadOnly bool
	Inodes   int
	FreeMem  uint64
	TotalMem uint64
	Reboot   time.Time

	ReplicaCheck string
	GiantWait    time.Duration
	Settings     replcheck.Settings
	Stats        core.StatsReply
	Hosts        []core.HostInfo

	RPC map[string]string
	Now time.Time
}

const mb = 1024 * 1024

var (
	// When was the last reboot?
	reboot = time.Now()

	statusFuncs = template.FuncMap{
		"pct": func(r float64) float64 { return r * 100 },
		"mb":  func(b uint64) uint64 { return b / mb },
	}

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Funcs(statusFuncs).Parse(statusTemplateStr))
)

// statusHandler sends json encoded status if the "Accept" header asks for
// it, and html otherwise.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		s.handleJSON(w)
	} else {
		s.handleHTML(w)
	}
}

func (s *Server) genStatus() StatusData {
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	rpcs := s.ctlHandler.rpcStats()
	for k, v := range s.hostHandler.rpcStats() {
		rpcs[k] = v
	}

	g := s.gfmd
	return StatusData{
		Cfg:          s.cfg,
		ReadOnly:     g.ReadOnlyMode(),
		Inodes:       g.NS.NumInodes(),
		FreeMem:      mem.ActualFree / mb,
		TotalMem:     mem.Total / mb,
		Reboot:       reboot,
		ReplicaCheck: g.Scanner.Status().String(),
		GiantWait:    g.NS.Giant().WaitTime(),
		Settings:     g.Scanner.Settings(),
		Stats:        g.Stats(),
		Hosts:        g.Hosts.Hosts(),
		RPC:          rpcs,
		Now:          time.Now(),
	}
}

func (s *Server) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Error(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (s *Server) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Error(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
