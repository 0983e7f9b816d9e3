package chrome

import (
	"fmt"
	"time"
)

// settleScript resolves true once the DOM saw no mutation for debounce ms, or
// false when timeout ms pass first. Pages without a body settle immediately.
const settleScript = `new Promise((resolve) => {
  if (!document.body) { resolve(true); return; }
  let timer;
  const observer = new MutationObserver(() => arm());
  const deadline = setTimeout(() => { observer.disconnect(); clearTimeout(timer); resolve(false); }, %d);
  function arm() {
    clearTimeout(timer);
    timer = setTimeout(() => { observer.disconnect(); clearTimeout(deadline); resolve(true); }, %d);
  }
  observer.observe(document.body, {attributes: true, childList: true, subtree: true});
  arm();
})`

func buildSettleScript(debounce, timeout time.Duration) string {
	return fmt.Sprintf(settleScript, timeout.Milliseconds(), debounce.Milliseconds())
}
