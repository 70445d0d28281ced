package server

// dashboardHTML is the embedded single-page dashboard: lot table, rule
// table, and a live ledger feed fed by periodic fetch + WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="pt-BR">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Rastro</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .st-conforming { color: #3fb950; }
  .st-under-review { color: #58a6ff; }
  .st-irregular { color: #d29922; }
  .st-blocked { color: #f85149; font-weight: bold; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
</style>
</head>
<body>
<h1>Rastro</h1>
<p class="subtitle">Rastreabilidade de commodities reguladas</p>

<div class="grid">
  <div class="card">
    <h2>Lotes</h2>
    <table>
      <thead><tr><th>Código</th><th>Cadeia</th><th>Volume</th><th>Status</th><th>Ação</th></tr></thead>
      <tbody id="lots-tbody"><tr><td colspan="5">Carregando...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Regras</h2>
    <table>
      <thead><tr><th>Nome</th><th>Cadeia</th><th>Severidade</th><th>Ativa</th></tr></thead>
      <tbody id="rules-tbody"><tr><td colspan="4">Carregando...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Livro-razão ao vivo</h2>
  <div id="live-feed"><div class="feed-entry">Conectando...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
async function refresh() {
  try {
    const [lotsRes, rulesRes, ledgerRes] = await Promise.all([
      fetch('/api/lots'), fetch('/api/rules'), fetch('/api/ledger?limit=20')
    ]);
    renderLots(await lotsRes.json());
    renderRules(await rulesRes.json());
    renderLedger(await ledgerRes.json());
  } catch(e) { console.error('refresh failed:', e); }
}

function renderLots(lots) {
  const tbody = document.getElementById('lots-tbody');
  if (!lots || lots.length === 0) { tbody.innerHTML = '<tr><td colspan="5">Nenhum lote</td></tr>'; return; }
  tbody.innerHTML = lots.map(l => {
    const id = esc(l.id);
    return '<tr><td>' + esc(l.code) + '</td><td>' + esc(l.category) +
      '</td><td>' + l.volume + ' ' + esc(l.unit) +
      '</td><td class="st-' + esc(l.status) + '">' + esc(l.status) +
      '</td><td><button class="btn" onclick="checkLot(\'' + id + '\')">Avaliar</button></td></tr>';
  }).join('');
}

function renderRules(rules) {
  const tbody = document.getElementById('rules-tbody');
  if (!rules || rules.length === 0) { tbody.innerHTML = '<tr><td colspan="4">Nenhuma regra</td></tr>'; return; }
  tbody.innerHTML = rules.map(r =>
    '<tr><td>' + esc(r.name) + '</td><td>' + esc(r.category) +
    '</td><td>' + esc(r.severity) + '</td><td>' + (r.enabled ? 'sim' : 'não') + '</td></tr>'
  ).join('');
}

function feedLine(e) {
  return '[' + esc(e.ts) + '] ' + esc(e.actor) + ' ' + esc(e.action) +
    (e.subject ? ' ' + esc(e.subject) : '') + ' — ' + esc(e.detail);
}

function renderLedger(entries) {
  const feed = document.getElementById('live-feed');
  if (!entries || entries.length === 0) { feed.innerHTML = '<div class="feed-entry">Nenhum registro</div>'; return; }
  feed.innerHTML = entries.map(e => '<div class="feed-entry">' + feedLine(e) + '</div>').join('');
}

async function checkLot(id) {
  const res = await fetch('/api/check', { method: 'POST', headers: {'Content-Type':'application/json'},
    body: JSON.stringify({lot_id: id, apply: true}) });
  const verdict = await res.json();
  alert(verdict.messages ? verdict.messages.join('\n') : JSON.stringify(verdict));
  refresh();
}

// WebSocket for live updates.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const entry = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = feedLine(entry);
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
      refresh();
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
