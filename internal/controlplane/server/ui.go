package server

import (
	"net/http"
)

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(uiHTML))
}

const uiHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>botfleet</title>
  <style>
    body { font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Arial; margin: 0; }
    .wrap { display: grid; grid-template-columns: 340px 1fr; height: 100vh; }
    .left { border-right: 1px solid #eee; padding: 12px; overflow:auto; }
    .right { padding: 12px; overflow:auto; }
    .bot { padding: 8px; border: 1px solid #eee; border-radius: 8px; margin-bottom: 8px; cursor: pointer; }
    .bot:hover { background: #fafafa; }
    .running { border-left: 4px solid #2a2; }
    .backoff { border-left: 4px solid #e90; }
    .dead { border-left: 4px solid #c22; }
    pre { background:#0b1020; color:#d6e2ff; padding:12px; border-radius:8px; overflow:auto; min-height: 220px; }
    button { margin-right: 8px; }
    .row { display:flex; gap: 8px; align-items:center; flex-wrap: wrap; }
    .muted { color:#666; font-size: 12px; }
  </style>
</head>
<body>
<div class="wrap">
  <div class="left">
    <div class="row">
      <input id="tenant" placeholder="tenant id"/>
      <button onclick="saveTenant()">使用</button>
    </div>
    <div class="row" style="margin-top:8px">
      <h3 style="margin:0">Bots</h3>
      <button onclick="reloadBots()">刷新</button>
      <span class="muted" id="credits"></span>
    </div>
    <div id="bots" style="margin-top:8px"></div>
    <button onclick="grant()">领取积分</button>
  </div>
  <div class="right">
    <h3 id="title" style="margin-top:0">选择一个 bot</h3>
    <div class="row">
      <button onclick="act('start')">启动</button>
      <button onclick="act('stop')">停止</button>
      <button onclick="act('restart')">重启</button>
    </div>
    <pre id="detail"></pre>
    <h4>日志</h4>
    <pre id="logs"></pre>
    <h4>事件</h4>
    <pre id="events"></pre>
  </div>
</div>
<script>
let current = null;
let ws = null;
const tenantInput = document.getElementById('tenant');
tenantInput.value = localStorage.getItem('tenant') || '';

async function api(path, opts) {
  opts = opts || {};
  opts.headers = Object.assign({'Content-Type':'application/json','X-Tenant-ID': tenantInput.value}, opts.headers || {});
  const res = await fetch(path, opts);
  const body = await res.json().catch(() => ({}));
  if (!res.ok) throw new Error(body.error || res.statusText);
  return body;
}

function saveTenant() {
  localStorage.setItem('tenant', tenantInput.value);
  reloadBots();
  connectEvents();
}

async function reloadBots() {
  const el = document.getElementById('bots');
  el.innerHTML = '';
  try {
    const bots = await api('/api/bots');
    for (const b of bots) {
      const div = document.createElement('div');
      div.className = 'bot ' + b.state;
      div.innerHTML = '<b>' + b.botId + '</b> <span class="muted">' + b.state + (b.pid ? ' pid=' + b.pid : '') + '</span>';
      div.onclick = () => select(b.botId);
      el.appendChild(div);
    }
    const c = await api('/api/credits').catch(() => null);
    document.getElementById('credits').textContent = c ? ('积分 ' + c.balance) : '';
  } catch (e) {
    el.textContent = e.message;
  }
}

async function select(id) {
  current = id;
  document.getElementById('title').textContent = id;
  const d = await api('/api/bots/' + id + '/details');
  document.getElementById('detail').textContent = JSON.stringify(d, null, 2);
  const l = await api('/api/bots/' + id + '/logs?tail=200');
  document.getElementById('logs').textContent = l.lines.join('\n');
}

async function act(op) {
  if (!current) return;
  try {
    await api('/api/bots/' + current + '/' + op, {method:'POST', body: '{}'});
  } catch (e) {
    alert(e.message);
  }
  await reloadBots();
  await select(current);
}

async function grant() {
  try {
    const res = await api('/api/credits/grant', {method:'POST'});
    alert('余额 ' + res.balance);
  } catch (e) {
    alert(e.message);
  }
  reloadBots();
}

function connectEvents() {
  if (ws) ws.close();
  if (!tenantInput.value) return;
  const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
  ws = new WebSocket(proto + location.host + '/api/events?tenant=' + encodeURIComponent(tenantInput.value));
  const el = document.getElementById('events');
  ws.onmessage = (m) => {
    const e = JSON.parse(m.data);
    el.textContent = e.time + ' ' + e.type + ' ' + e.botId + (e.message ? ' ' + e.message : '') + '\n' + el.textContent;
    reloadBots();
  };
}

reloadBots();
connectEvents();
</script>
</body>
</html>`
